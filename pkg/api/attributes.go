package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/attrmesh/pkg/types"
)

// AcceptedResponse acknowledges an asynchronous request.
type AcceptedResponse struct {
	Status string `json:"status"`
}

func accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted"})
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*types.Request, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (s *Server) updateHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if req.Name == "" && req.Pattern == "" {
		http.Error(w, "attribute name or pattern required", http.StatusBadRequest)
		return
	}
	req.Op = types.OpUpdate
	s.engine.Submit(req)
	accepted(w)
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.Submit(&types.Request{Op: types.OpRefresh})
	accepted(w)
}

func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	req.Op = types.OpClearFailure
	s.engine.Submit(req)
	accepted(w)
}

func (s *Server) peerRemoveHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if req.Host == "" {
		http.Error(w, "host required", http.StatusBadRequest)
		return
	}
	req.Op = types.OpPeerRemove
	s.engine.Submit(req)
	accepted(w)
}

// ListResponse is the /v1/attributes payload.
type ListResponse struct {
	Node       string                   `json:"node"`
	Attributes []engineAttributeListing `json:"attributes"`
}

type engineAttributeListing struct {
	Name       string  `json:"name"`
	Desired    *string `json:"desired"`
	Confirmed  *string `json:"confirmed"`
	Section    string  `json:"section"`
	Set        string  `json:"set,omitempty"`
	Dampen     string  `json:"dampen"`
	TimerArmed bool    `json:"timer_armed"`
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.engine.Snapshot()
	resp := ListResponse{
		Node:       s.engine.Self(),
		Attributes: make([]engineAttributeListing, 0, len(snapshot)),
	}
	for _, a := range snapshot {
		resp.Attributes = append(resp.Attributes, engineAttributeListing{
			Name:       a.Name,
			Desired:    a.Desired,
			Confirmed:  a.Confirmed,
			Section:    a.Section,
			Set:        a.SetName,
			Dampen:     a.Dampen,
			TimerArmed: a.TimerArmed,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
