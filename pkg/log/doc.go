// Package log provides structured logging for attrmesh built on zerolog.
//
// A single global logger is initialized once at startup via Init and child
// loggers carrying component, node or attribute fields are derived from it
// with the With* helpers.
package log
