// Package api serves the local client API over HTTP: attribute updates,
// refresh, failure clearing, peer removal, table snapshots, an event
// stream and the health and metrics endpoints.
package api
