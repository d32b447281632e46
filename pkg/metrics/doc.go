// Package metrics defines the Prometheus collectors exported by the
// attrmesh daemon and the HTTP handler that serves them.
package metrics
