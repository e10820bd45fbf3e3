package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the namespace snapshot served on /status.
type Status struct {
	Role       string   `json:"role"`
	Containers int      `json:"containers"`
	Files      int      `json:"files"`
	Warnings   []string `json:"warnings,omitempty"`
}

// StatusFunc produces the current namespace status.
type StatusFunc func() Status

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on (default: 9090)
	Port int
}

// Server exposes the node over HTTP:
//   - GET /metrics: Prometheus metrics (503 when the registry is not initialized)
//   - GET /healthz: 200 once a status source is installed, 503 before
//   - GET /status: the namespace status as JSON
type Server struct {
	server       *http.Server
	port         int
	status       atomic.Pointer[StatusFunc]
	shutdownOnce sync.Once
}

// NewServer creates a stopped server. Call Start to serve.
func NewServer(config ServerConfig) *Server {
	if config.Port <= 0 {
		config.Port = 9090
	}

	s := &Server{port: config.Port}

	mux := http.NewServeMux()
	if registry := GetRegistry(); registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// SetStatus installs the status source. The node reports healthy from then on.
func (s *Server) SetStatus(fn StatusFunc) {
	s.status.Store(&fn)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) currentStatus() (Status, bool) {
	fn := s.status.Load()
	if fn == nil || *fn == nil {
		return Status{}, false
	}
	return (*fn)(), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentStatus()
	if !ok {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "ok %s\n", st.Role)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentStatus()
	if !ok {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logger.Warn("Failed to encode status: %v", err)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns an error if the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	logger.Info("Metrics server listening on port %d", s.port)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once and concurrently
// with Start.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return shutdownErr
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.port
}
