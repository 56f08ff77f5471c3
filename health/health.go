// Package health serves the operational HTTP endpoints: liveness,
// run status, heartbeat, and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status is the snapshot served on /status. Fields are updated by the
// run loop through the setters below.
type Status struct {
	RecipeID  string    `json:"recipeId"`
	RunID     string    `json:"runId"`
	State     string    `json:"state"`
	Processed int       `json:"processed"`
	Errors    int       `json:"errors"`
	StartedAt time.Time `json:"startedAt"`
}

// Run states reported on /status.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Server is the operational HTTP endpoint.
type Server struct {
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	srv      *http.Server
	ln       net.Listener

	mu     sync.Mutex
	status Status
}

// NewServer creates a server bound to addr. Pass a nil gatherer to
// disable /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger,
		gatherer: gatherer,
		status:   Status{State: StateIdle, StartedAt: time.Now().UTC()},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("health server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when Start was given ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// SetRun records the run identity and marks the state running.
func (s *Server) SetRun(recipeID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.RecipeID = recipeID
	s.status.RunID = runID
	s.status.State = StateRunning
	s.status.StartedAt = time.Now().UTC()
}

// SetProgress updates the processed and error counts.
func (s *Server) SetProgress(processed, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Processed = processed
	s.status.Errors = errors
}

// SetState records the terminal run state.
func (s *Server) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
}

func (s *Server) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.snapshot())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
