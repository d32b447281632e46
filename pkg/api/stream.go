package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// streamEvent is one server-sent event payload.
type streamEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node,omitempty"`
	Attribute string    `json:"attribute,omitempty"`
	Value     string    `json:"value,omitempty"`
}

// eventsHandler streams engine events as server-sent events until the
// client disconnects.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broker == nil {
		http.Error(w, "event streaming disabled", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(streamEvent{
				Type:      string(evt.Type),
				Timestamp: evt.Timestamp,
				Node:      evt.Node,
				Attribute: evt.Attribute,
				Value:     evt.Value,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
