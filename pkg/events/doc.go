// Package events provides an in-process publish/subscribe broker for
// attribute change notifications, consumed by the API's event stream.
package events
