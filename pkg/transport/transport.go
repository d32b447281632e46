package transport

import (
	"github.com/cuemby/attrmesh/pkg/types"
)

// Handler receives attribute requests delivered by peers.
type Handler func(req *types.Request)

// Transport fans attribute requests out to cluster peers. Sends are
// fire-and-forget from the engine's perspective; delivery and ordering
// guarantees belong to the implementation.
type Transport interface {
	// Broadcast sends the request to every known peer except this node.
	Broadcast(req *types.Request) error

	// SendTo sends the request to one peer by name.
	SendTo(peer string, req *types.Request) error

	// HasPeer reports whether a cluster node with that name is currently
	// tracked as live.
	HasPeer(name string) bool

	// Peers lists the names of tracked cluster nodes, including self.
	Peers() []string

	// Self returns this node's name.
	Self() string

	// Forget drops a node from liveness tracking.
	Forget(name string)

	Close() error
}
