package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"

	"github.com/cuemby/attrmesh/pkg/log"
	"github.com/cuemby/attrmesh/pkg/types"
)

// Config holds gossip transport configuration.
type Config struct {
	NodeName string
	BindAddr string
	BindPort int

	// Join lists addresses of existing members to contact at startup.
	// Empty bootstraps a new single-node cluster.
	Join []string
}

// GossipTransport implements Transport on hashicorp/memberlist.
type GossipTransport struct {
	ml      *memberlist.Memberlist
	handler Handler
	logger  zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*memberlist.Node
}

// NewGossipTransport creates the memberlist instance, joins the cluster
// if join addresses are given, and delivers inbound requests to handler.
func NewGossipTransport(cfg Config, handler Handler) (*GossipTransport, error) {
	t := &GossipTransport{
		handler: handler,
		logger:  log.WithComponent("transport"),
		peers:   make(map[string]*memberlist.Node),
	}

	mlc := memberlist.DefaultLANConfig()
	mlc.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlc.BindAddr = cfg.BindAddr
	}
	mlc.BindPort = cfg.BindPort
	if cfg.BindPort != 0 {
		mlc.AdvertisePort = cfg.BindPort
	}
	mlc.Delegate = &delegate{t: t}
	mlc.Events = &eventDelegate{t: t}
	mlc.Logger = stdlog.New(t.logger, "", 0)

	ml, err := memberlist.Create(mlc)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	t.ml = ml

	if len(cfg.Join) > 0 {
		if err := t.Join(cfg.Join); err != nil {
			ml.Shutdown()
			return nil, err
		}
	}

	return t, nil
}

// Join contacts existing members. Callers that need their handler live
// before any peer traffic arrives pass no join addresses to the
// constructor and call Join once wired up.
func (t *GossipTransport) Join(addrs []string) error {
	n, err := t.ml.Join(addrs)
	if err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}
	t.logger.Info().Int("contacted", n).Msg("joined cluster")
	return nil
}

// Broadcast sends the request to every live member except this node.
func (t *GossipTransport) Broadcast(req *types.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var errs []error
	for _, node := range t.ml.Members() {
		if node.Name == t.Self() {
			continue
		}
		if err := t.ml.SendReliable(node, data); err != nil {
			t.logger.Warn().Err(err).Str("peer", node.Name).Msg("broadcast send failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendTo sends the request to one peer.
func (t *GossipTransport) SendTo(peer string, req *types.Request) error {
	t.mu.RLock()
	node, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", peer)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return t.ml.SendReliable(node, data)
}

// HasPeer reports whether the node is tracked as a live member.
func (t *GossipTransport) HasPeer(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[name]
	return ok
}

// Peers lists tracked member names.
func (t *GossipTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.peers))
	for name := range t.peers {
		names = append(names, name)
	}
	return names
}

// Self returns this node's member name.
func (t *GossipTransport) Self() string {
	return t.ml.LocalNode().Name
}

// Addr returns this node's gossip address, usable as a join target.
func (t *GossipTransport) Addr() string {
	return t.ml.LocalNode().Address()
}

// Forget drops a node from the peer cache. Memberlist's own failure
// detection eventually reaps it too; this makes an administrative removal
// take effect immediately.
func (t *GossipTransport) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, name)
}

// Close leaves the cluster gracefully and shuts down gossip.
func (t *GossipTransport) Close() error {
	if err := t.ml.Leave(time.Second); err != nil {
		t.logger.Warn().Err(err).Msg("gossip leave failed")
	}
	return t.ml.Shutdown()
}

// delegate wires memberlist message delivery to the request handler.
type delegate struct {
	t *GossipTransport
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}
	// memberlist reuses the buffer after we return
	buf := make([]byte, len(data))
	copy(buf, data)

	var req types.Request
	if err := json.Unmarshal(buf, &req); err != nil {
		d.t.logger.Error().Err(err).Msg("dropping undecodable peer message")
		return
	}
	d.t.handler(&req)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte               { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)    {}

// eventDelegate maintains the peer cache from membership events.
type eventDelegate struct {
	t *GossipTransport
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	e.t.logger.Info().Str("peer", node.Name).Str("addr", node.Address()).Msg("member joined")
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	e.t.peers[node.Name] = node
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.t.logger.Info().Str("peer", node.Name).Msg("member left")
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	delete(e.t.peers, node.Name)
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	e.t.peers[node.Name] = node
}
