// Package alerts notifies external agents about applied attribute
// changes. Dispatch is purely observational: the engine fires it after a
// write that changed the durable value and ignores the outcome beyond
// logging and metrics.
package alerts
