package engine

import (
	"errors"

	"github.com/cuemby/attrmesh/pkg/alerts"
	"github.com/cuemby/attrmesh/pkg/events"
	"github.com/cuemby/attrmesh/pkg/metrics"
	"github.com/cuemby/attrmesh/pkg/store"
	"github.com/cuemby/attrmesh/pkg/table"
	"github.com/cuemby/attrmesh/pkg/types"
)

// persist issues an asynchronous store write for the entry's desired
// value and registers the call for completion matching. If the store is
// not connected the write is skipped; a later resync picks it up.
func (e *Engine) persist(entry *table.Entry) {
	if !e.st.Connected() {
		e.logger.Info().
			Str("attribute", entry.Name).
			Str("value", valueOrEmpty(entry.Desired)).
			Msg("delaying operation; store not connected")
		metrics.StoreWritesDeferred.Inc()
		return
	}

	wreq := store.WriteRequest{
		Section:   entry.Section,
		Owner:     e.nodeName,
		SetName:   entry.SetName,
		EntryKey:  entry.StoreKey,
		Name:      entry.Name,
		Value:     cloneValue(entry.Desired),
		Principal: entry.Principal,
	}

	changed := !entry.ConfirmedEquals(entry.Desired)

	var callID string
	if entry.Desired == nil {
		callID = e.st.Delete(wreq)
		if changed {
			e.logger.Info().
				Str("attribute", entry.Name).
				Str("call", callID).
				Msg("sent delete")
		} else {
			e.logger.Debug().
				Str("attribute", entry.Name).
				Str("call", callID).
				Msg("resent delete")
		}
	} else {
		callID = e.st.Upsert(wreq)
		if changed {
			e.logger.Info().
				Str("attribute", entry.Name).
				Str("value", *entry.Desired).
				Str("call", callID).
				Msg("sent update")
		} else {
			e.logger.Debug().
				Str("attribute", entry.Name).
				Str("value", *entry.Desired).
				Str("call", callID).
				Msg("resent update")
		}
	}

	e.pending[callID] = correlation{
		kind:  writeLocal,
		name:  entry.Name,
		value: cloneValue(entry.Desired),
	}

	if changed {
		e.notifyAlert(e.nodeName, e.nodeID, entry.Name, valueOrEmpty(entry.Desired))
	}
}

// updateRemote writes an attribute for a host that runs no engine of
// its own, bypassing the table and dampening. The reduced guarantee is
// deliberate: there is no peer to replay the value after a store outage.
func (e *Engine) updateRemote(req *types.Request) {
	if req.Name == "" {
		e.logger.Info().Str("host", req.Host).Msg("ignoring remote update with no attribute name")
		metrics.RequestsDropped.Inc()
		return
	}

	if !e.st.Connected() {
		e.logger.Info().
			Str("host", req.Host).
			Str("attribute", req.Name).
			Msg("dropping remote update; store not connected")
		metrics.StoreWritesDeferred.Inc()
		return
	}

	section := req.Section
	if section == "" {
		section = types.SectionStatus
	}

	wreq := store.WriteRequest{
		Section:   section,
		Owner:     req.Host,
		SetName:   req.SetName,
		EntryKey:  req.EntryKey,
		Name:      req.Name,
		Value:     cloneValue(req.Value),
		Principal: req.Principal,
		Remote:    true,
	}

	desc := req.Name + " for remote node " + req.Host
	var callID string
	if req.Value == nil {
		callID = e.st.Delete(wreq)
		e.logger.Info().Str("call", callID).Msgf("sent delete of %s", desc)
	} else {
		callID = e.st.Upsert(wreq)
		e.logger.Info().Str("call", callID).Str("value", *req.Value).Msgf("sent update of %s", desc)
	}
	e.pending[callID] = correlation{kind: writeRemote, value: cloneValue(req.Value), desc: desc}

	e.notifyAlert(req.Host, 0, req.Name, valueOrEmpty(req.Value))
}

// onCompletion matches a store completion against the pending map and
// reacts according to what the call was.
func (e *Engine) onCompletion(c store.Completion) {
	corr, ok := e.pending[c.CallID]
	if !ok {
		e.logger.Debug().Str("call", c.CallID).Msg("completion for unknown call")
		return
	}
	delete(e.pending, c.CallID)

	switch corr.kind {
	case writeLocal:
		e.completeLocal(c, corr)

	case writeRemote:
		err := c.Err
		if corr.value == nil && errors.Is(err, store.ErrNotFound) {
			// Deleting something already gone is the outcome we wanted.
			err = nil
		}
		if err != nil {
			e.logger.Error().Err(err).Str("call", c.CallID).Msgf("update of %s failed", corr.desc)
			metrics.StoreWritesTotal.WithLabelValues("error").Inc()
			return
		}
		e.logger.Debug().Str("call", c.CallID).Msgf("update of %s passed", corr.desc)
		metrics.StoreWritesTotal.WithLabelValues("ok").Inc()

	case writeClearQuery:
		if c.Err != nil {
			e.logger.Error().Err(c.Err).Str("call", c.CallID).Msgf("clearing %s failed", corr.desc)
			metrics.StoreWritesTotal.WithLabelValues("error").Inc()
			return
		}
		e.logger.Info().Str("call", c.CallID).Msgf("cleared %s", corr.desc)
		metrics.StoreWritesTotal.WithLabelValues("ok").Inc()
	}
}

func (e *Engine) completeLocal(c store.Completion, corr correlation) {
	err := c.Err
	if corr.value == nil && errors.Is(err, store.ErrNotFound) {
		// Deleting something already gone is the outcome we wanted.
		err = nil
	}

	if err == nil {
		metrics.StoreWritesTotal.WithLabelValues("ok").Inc()
		e.logger.Debug().
			Str("attribute", corr.name).
			Str("value", valueOrEmpty(corr.value)).
			Str("call", c.CallID).
			Msg("update passed")
		if entry, ok := e.tbl.Get(corr.name); ok {
			entry.Confirmed = corr.value
		}
		e.publish(&events.Event{
			Type:      events.EventAttributeConfirmed,
			Node:      e.nodeName,
			Attribute: corr.name,
			Value:     valueOrEmpty(corr.value),
		})
		return
	}

	if store.IsTransient(err) {
		// Expected during store sync or leadership changes; the value is
		// still desired and a refresh or resync will resend it.
		metrics.StoreWritesTotal.WithLabelValues("transient").Inc()
		e.logger.Warn().Err(err).
			Str("attribute", corr.name).
			Str("call", c.CallID).
			Msg("update failed; will be retried on resync")
		return
	}

	metrics.StoreWritesTotal.WithLabelValues("error").Inc()
	e.logger.Error().Err(err).
		Str("attribute", corr.name).
		Str("value", valueOrEmpty(corr.value)).
		Str("call", c.CallID).
		Msg("update failed")
}

// notifyAlert runs the configured alert agents off the event loop.
func (e *Engine) notifyAlert(host string, nodeID uint32, name, value string) {
	if e.al == nil {
		return
	}
	logger := e.logger
	dispatcher := e.al
	go func() {
		outcome := dispatcher.Notify(host, nodeID, name, value)
		metrics.AlertOutcomes.WithLabelValues(outcome.String()).Inc()
		switch outcome {
		case alerts.OutcomeSomeFailed, alerts.OutcomeAllFailed:
			logger.Warn().
				Str("attribute", name).
				Str("host", host).
				Str("outcome", outcome.String()).
				Msg("alert agents failed")
		}
	}()
}
