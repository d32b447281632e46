// Package config loads the daemon's YAML configuration and applies
// defaults for anything the file leaves out.
package config
