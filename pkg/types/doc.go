// Package types defines the attribute request wire format shared by the
// engine, the peer transport and the HTTP API, along with the helpers for
// dampening-interval parsing and counter value expansion.
package types
