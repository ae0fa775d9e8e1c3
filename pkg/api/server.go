package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/josh-at-icarite/shepherd/pkg/controller"
	"github.com/josh-at-icarite/shepherd/pkg/events"
	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/metrics"
)

// recentEvents bounds the event history kept for /v1/fleet/events
const recentEvents = 100

// Server exposes the read-only HTTP status surface of the fleet controller
type Server struct {
	ctl *controller.Controller
	mux *http.ServeMux

	mu     sync.Mutex
	recent []*events.Event

	httpServer *http.Server
	sub        events.Subscriber
	stopCh     chan struct{}
	stopOnce   sync.Once
	logger     zerolog.Logger
}

// NewServer creates the HTTP server for the given controller
func NewServer(ctl *controller.Controller) *Server {
	mux := http.NewServeMux()
	s := &Server{
		ctl:    ctl,
		mux:    mux,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("api"),
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/fleet/status", s.statusHandler)
	mux.HandleFunc("/v1/fleet/events", s.eventsHandler)
	mux.HandleFunc("/v1/fleet/capacity", s.capacityHandler)

	return s
}

// Start begins serving on addr and collecting fleet events
func (s *Server) Start(addr string) error {
	s.sub = s.ctl.Subscribe()
	go s.collectEvents()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("status API listening")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.sub != nil {
		s.ctl.Unsubscribe(s.sub)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (s *Server) GetHandler() http.Handler {
	return s.mux
}

func (s *Server) collectEvents() {
	for {
		select {
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			s.mu.Lock()
			s.recent = append(s.recent, ev)
			if len(s.recent) > recentEvents {
				s.recent = s.recent[len(s.recent)-recentEvents:]
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// HealthResponse represents the liveness check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint, a plain liveness check
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// readyHandler implements /ready: ready once startup adoption completed
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ReadyResponse{Status: "ready", Timestamp: time.Now()}
	code := http.StatusOK
	if s.ctl == nil || !s.ctl.Ready() {
		resp.Status = "not ready"
		resp.Message = "controller has not finished startup adoption"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// statusHandler serves the full fleet status view
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.ctl.Status())
}

// eventsHandler serves the most recent fleet events, oldest first
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	out := make([]*events.Event, len(s.recent))
	copy(out, s.recent)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

// CapacityRequest is the body of PUT /v1/fleet/capacity
type CapacityRequest struct {
	Capacity int `json:"capacity"`
}

// capacityHandler changes the desired capacity at runtime
func (s *Server) capacityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetCapacity(req.Capacity); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.logger.Info().Int("capacity", req.Capacity).Msg("capacity updated via API")
	writeJSON(w, http.StatusOK, map[string]int{"capacity": req.Capacity})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
