package engine

import (
	"regexp"

	"github.com/cuemby/attrmesh/pkg/events"
	"github.com/cuemby/attrmesh/pkg/failures"
	"github.com/cuemby/attrmesh/pkg/metrics"
	"github.com/cuemby/attrmesh/pkg/table"
	"github.com/cuemby/attrmesh/pkg/types"
)

// handleClient classifies a request from a local client and routes it.
// Runs on the event loop.
func (e *Engine) handleClient(req *types.Request) {
	switch req.Op {
	case types.OpRefresh:
		e.logger.Info().Msg("flushing all attributes")
		e.refresh()
		return

	case types.OpPeerRemove:
		if req.Host == "" {
			e.logger.Info().Msg("ignoring peer removal with no host")
			metrics.RequestsDropped.Inc()
			return
		}
		e.logger.Info().Str("peer", req.Host).Msg("broadcasting removal of peer")
		e.broadcast(req)
		e.tr.Forget(req.Host)
		e.publish(&events.Event{Type: events.EventPeerRemoved, Node: req.Host})
		return

	case types.OpClearFailure:
		e.clearFailure(req)
		return

	case types.OpUpdate, "":
		// fall through to the update path below

	default:
		e.logger.Info().Str("op", string(req.Op)).Msg("ignoring unsupported operation")
		metrics.RequestsDropped.Inc()
		return
	}

	if req.Host != "" && req.IsRemote {
		if req.Name == "" && req.Pattern != "" {
			e.logger.Info().
				Str("host", req.Host).
				Str("pattern", req.Pattern).
				Msg("ignoring pattern update for remote node; patterns only match local attributes")
			metrics.RequestsDropped.Inc()
			return
		}
		e.updateRemote(req)
		return
	}

	if req.Host != "" && req.Host != e.nodeName {
		// Addressed to a peer; relay without touching local state.
		e.logger.Debug().
			Str("attribute", req.Name).
			Str("host", req.Host).
			Msg("relaying update to peer")
		metrics.ForwardsTotal.Inc()
		if err := e.tr.SendTo(req.Host, req); err != nil {
			e.logger.Warn().Err(err).Str("host", req.Host).Msg("failed to relay update")
		}
		return
	}

	if req.Name != "" {
		entry := e.tbl.FindOrCreate(req.Name)
		e.tbl.ApplyMetadata(entry, req)
		if entry.Dampen == 0 && req.Dampen == "" {
			entry.Dampen = e.defaultDampen
		}
		e.updateLocal(req, entry, true)
		return
	}

	if req.Pattern != "" {
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			e.logger.Error().Err(err).Str("pattern", req.Pattern).Msg("invalid attribute pattern")
			metrics.RequestsDropped.Inc()
			return
		}
		e.tbl.ForEach(func(entry *table.Entry) {
			if re.MatchString(entry.Name) {
				e.updateLocal(req, entry, true)
			}
		})
		return
	}

	e.logger.Info().Msg("ignoring update with no attribute name or pattern")
	metrics.RequestsDropped.Inc()
}

// handlePeer processes a request delivered by the cluster transport.
// Runs on the event loop.
func (e *Engine) handlePeer(req *types.Request) {
	if req.Host == e.nodeName {
		// A peer relayed a client request addressed to us; process it
		// exactly as if the client had connected here.
		e.logger.Debug().Str("attribute", req.Name).Msg("processing relayed request")
		e.handleClient(req)
		return
	}

	switch req.Op {
	case types.OpPeerRemove:
		if req.Host == "" {
			return
		}
		e.logger.Info().Str("peer", req.Host).Msg("removing peer on cluster request")
		e.tr.Forget(req.Host)
		e.publish(&events.Event{Type: events.EventPeerRemoved, Node: req.Host})
		return

	case types.OpClearFailure:
		e.clearLocal(req)
		return

	case types.OpUpdate, "":
		// fall through

	default:
		e.logger.Debug().Str("op", string(req.Op)).Msg("ignoring peer operation")
		return
	}

	if req.SuppressLocal && req.Origin == e.nodeName {
		// Our own broadcast echoed back; the local table already holds
		// this value and its timer must keep running.
		e.logger.Debug().Str("attribute", req.Name).Msg("skipping echoed broadcast")
		return
	}

	if req.Name == "" {
		e.logger.Debug().Msg("ignoring peer update with no attribute name")
		return
	}

	entry := e.tbl.FindOrCreate(req.Name)
	e.tbl.ApplyMetadata(entry, req)

	if entry.DesiredEquals(req.Value) && entry.ConfirmedEquals(req.Value) {
		return
	}

	// Peer-announced values settle immediately; the announcing node
	// already absorbed the dampening interval.
	entry.Desired = cloneValue(req.Value)
	e.stopTimer(entry.Name)
	e.publishChange(entry)
	e.persist(entry)
}

// updateLocal applies a value to a table entry owned by this node.
// The dampening interval, when set, delays only the store write; peers
// learn the new value right away.
func (e *Engine) updateLocal(req *types.Request, entry *table.Entry, announce bool) {
	value := cloneValue(req.Value)

	if valueEqual(value, entry.Desired) && valueEqual(value, entry.Confirmed) {
		e.logger.Debug().
			Str("attribute", entry.Name).
			Str("value", valueOrEmpty(value)).
			Msg("ignoring non-change")
		return
	}

	if value != nil && types.NeedsExpansion(*value) {
		expanded := types.ExpandValue(*value, entry.Desired)
		e.logger.Info().
			Str("attribute", entry.Name).
			Str("expression", *value).
			Str("value", expanded).
			Msg("expanded attribute value")
		value = &expanded
	}

	armed := e.timerArmed(entry.Name)
	if armed && entry.DesiredEquals(value) {
		// Same value already waiting for its timer; let it ride.
		metrics.WritesCoalesced.Inc()
		return
	}

	entry.Desired = value
	if armed {
		metrics.WritesCoalesced.Inc()
	}
	e.stopTimer(entry.Name)
	e.publishChange(entry)

	if entry.Dampen > 0 {
		e.armTimer(entry)
		if announce {
			e.announce(entry)
		}
		return
	}

	e.persist(entry)
	if announce {
		e.announce(entry)
	}
}

// refresh forces an immediate write and announcement of every attribute
// that carries a value, disarming any pending timers.
func (e *Engine) refresh() {
	e.tbl.ForEach(func(entry *table.Entry) {
		if entry.Desired == nil && entry.Confirmed == nil {
			return
		}
		e.stopTimer(entry.Name)
		e.persist(entry)
		e.announce(entry)
	})
}

// announce broadcasts an entry's desired value to all peers. The origin
// marker lets this node discard the echo without disturbing its timer.
func (e *Engine) announce(entry *table.Entry) {
	req := &types.Request{
		Op:            types.OpUpdate,
		Origin:        e.nodeName,
		Name:          entry.Name,
		Value:         cloneValue(entry.Desired),
		SetName:       entry.SetName,
		Section:       entry.Section,
		EntryKey:      entry.StoreKey,
		Principal:     entry.Principal,
		SuppressLocal: true,
	}
	if entry.Dampen > 0 {
		req.Dampen = entry.Dampen.String()
	}
	e.broadcast(req)
}

func (e *Engine) broadcast(req *types.Request) {
	metrics.BroadcastsTotal.Inc()
	if err := e.tr.Broadcast(req); err != nil {
		e.logger.Warn().Err(err).Msg("broadcast failed for some peers")
	}
}

func (e *Engine) publishChange(entry *table.Entry) {
	evt := &events.Event{
		Type:      events.EventAttributeUpdated,
		Node:      e.nodeName,
		Attribute: entry.Name,
		Value:     valueOrEmpty(entry.Desired),
	}
	if entry.Desired == nil {
		evt.Type = events.EventAttributeDeleted
	}
	e.publish(evt)
}

// clearFailure routes a failure-clear request by target host.
func (e *Engine) clearFailure(req *types.Request) {
	switch {
	case req.Host == "":
		e.logger.Info().
			Str("resource", resourceDesc(req)).
			Msg("broadcasting request to clear failures on all hosts")
		metrics.ClearRequestsTotal.WithLabelValues("cluster").Inc()
		e.broadcast(req)
		e.clearLocal(req)
		e.clearRemote(req)

	case req.Host == e.nodeName:
		metrics.ClearRequestsTotal.WithLabelValues("local").Inc()
		e.clearLocal(req)

	case req.IsRemote || !e.tr.HasPeer(req.Host):
		metrics.ClearRequestsTotal.WithLabelValues("remote").Inc()
		e.clearRemote(req)

	default:
		e.logger.Info().
			Str("host", req.Host).
			Str("resource", resourceDesc(req)).
			Msg("relaying request to clear failures")
		metrics.ClearRequestsTotal.WithLabelValues("peer").Inc()
		metrics.ForwardsTotal.Inc()
		if err := e.tr.SendTo(req.Host, req); err != nil {
			e.logger.Warn().Err(err).Str("host", req.Host).Msg("failed to relay clear request")
		}
	}
}

// clearLocal deletes matching failure attributes from the local table.
// Each match goes through the normal update path, so deletions propagate
// and persist like any other change.
func (e *Engine) clearLocal(req *types.Request) {
	re, err := failures.BuildClearPredicate(req.Resource, req.Operation, types.ParseInterval(req.Interval))
	if err != nil {
		e.logger.Info().Err(err).Msg("ignoring invalid request to clear failures")
		return
	}

	e.logger.Debug().
		Str("resource", resourceDesc(req)).
		Msg("clearing failure attributes locally")

	del := req.Clone()
	del.Value = nil
	e.tbl.ForEach(func(entry *table.Entry) {
		if re.MatchString(entry.Name) {
			e.updateLocal(del, entry, true)
		}
	})
}

// clearRemote deletes matching failure attributes straight from the
// store, for hosts with no engine of their own. There is no local table
// involvement and no dampening.
func (e *Engine) clearRemote(req *types.Request) {
	if !e.st.Connected() {
		e.logger.Info().
			Str("resource", resourceDesc(req)).
			Msg("ignoring request to clear failures; store not connected")
		return
	}

	q := failures.BuildClearQuery(req.Host, req.Resource, req.Operation, types.ParseInterval(req.Interval))
	callID := e.st.DeleteMatching(q)
	e.pending[callID] = correlation{kind: writeClearQuery, desc: q.String()}
}

func resourceDesc(req *types.Request) string {
	if req.Resource == "" {
		return "all resources"
	}
	return req.Resource
}
