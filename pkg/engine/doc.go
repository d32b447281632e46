// Package engine implements the attribute replication engine: a
// single-threaded event loop that classifies inbound requests, coalesces
// rapid updates through per-attribute dampening timers, announces values
// to peers and persists them to the shared store with asynchronous
// completion matching.
package engine
