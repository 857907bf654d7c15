package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/runtime"
)

// Server is the HTTP gateway. It owns the listener, routes requests into the
// lifecycle coordinator, and tracks in-flight requests for the readiness
// probe and graceful shutdown.
type Server struct {
	cfg       config.ServerConfig
	lifecycle *runtime.Lifecycle
	registry  *Registry
	logger    *slog.Logger
	metrics   *observability.Metrics

	drainGrace time.Duration

	httpServer *http.Server

	mu     sync.Mutex
	active map[*runtime.Request]struct{}

	// finishing counts requests whose response is done but whose drain and
	// persistence are still running.
	finishing sync.WaitGroup
}

// NewServer creates a gateway over lifecycle.
func NewServer(cfg config.ServerConfig, drainGrace time.Duration, lifecycle *runtime.Lifecycle, registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Server{
		cfg:        cfg,
		lifecycle:  lifecycle,
		registry:   registry,
		logger:     logger.With("component", "gateway"),
		metrics:    metrics,
		drainGrace: drainGrace,
		active:     map[*runtime.Request]struct{}{},
	}
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.Routes(),
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays unset: SSE and raw streams are long-lived.
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Routes builds the gateway's route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/run/{agent}", s.withTransport(s.handleRun))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe starts serving and blocks until the listener closes.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then waits up to the drain grace for
// in-flight background drains and persistence to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.finishing.Wait()
		close(done)
	}()
	grace := s.drainGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		s.logger.Info("gateway drained")
		return nil
	case <-time.After(grace):
		s.logger.Warn("shutdown drain grace elapsed with work outstanding", "grace", grace)
		return fmt.Errorf("drain grace %s elapsed", grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadyz reports ready only when no live request still has pending
// background tasks. Orchestrators use this as the idle signal before
// recycling a worker.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	pending := 0
	for req := range s.active {
		if req.HasPending() {
			pending++
		}
	}
	inFlight := len(s.active)
	s.mu.Unlock()

	if pending > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "draining",
			"pending": pending,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"in_flight": inFlight,
	})
}

func (s *Server) trackRequest(req *runtime.Request) {
	s.mu.Lock()
	s.active[req] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackRequest(req *runtime.Request) {
	s.mu.Lock()
	delete(s.active, req)
	s.mu.Unlock()
}

// finishRequest runs drain and persistence off the request goroutine so the
// response is never held back, and keeps the request visible to readyz until
// everything settles.
func (s *Server) finishRequest(req *runtime.Request) {
	s.finishing.Add(1)
	go func() {
		defer s.finishing.Done()
		defer s.untrackRequest(req)
		if err := req.Finish(context.Background()); err != nil {
			s.logger.Error("request completion failed",
				"session_id", req.Session.ID,
				"thread_id", req.Thread.ID,
				"error", err,
			)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
