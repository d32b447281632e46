package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/attrmesh/pkg/engine"
	"github.com/cuemby/attrmesh/pkg/events"
	"github.com/cuemby/attrmesh/pkg/log"
	"github.com/cuemby/attrmesh/pkg/metrics"
	"github.com/cuemby/attrmesh/pkg/store"
	"github.com/cuemby/attrmesh/pkg/transport"
)

// Server exposes the local client API over HTTP. Requests are accepted
// and handed to the engine; processing is asynchronous, so mutating
// endpoints answer 202.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	transport transport.Transport
	broker    *events.Broker

	mux    *http.ServeMux
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server around an engine and its deps.
func NewServer(eng *engine.Engine, st store.Store, tr transport.Transport, broker *events.Broker) *Server {
	mux := http.NewServeMux()
	s := &Server{
		engine:    eng,
		store:     st,
		transport: tr,
		broker:    broker,
		mux:       mux,
		logger:    log.WithComponent("api"),
	}

	mux.HandleFunc("/v1/attributes/update", s.updateHandler)
	mux.HandleFunc("/v1/attributes/refresh", s.refreshHandler)
	mux.HandleFunc("/v1/attributes", s.listHandler)
	mux.HandleFunc("/v1/failures/clear", s.clearHandler)
	mux.HandleFunc("/v1/peers/remove", s.peerRemoveHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the API server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Node      string    `json:"node"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Node:      s.engine.Self(),
		Timestamp: time.Now(),
	})
}

// ReadyResponse is the /ready payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true

	if s.store.Connected() {
		checks["store"] = "connected"
	} else {
		checks["store"] = "not connected"
		ready = false
	}
	if peers := s.transport.Peers(); len(peers) > 1 {
		checks["cluster"] = "member"
	} else {
		checks["cluster"] = "alone"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
