// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"warelay/internal/metrics"
)

// Webhook is the provider-facing endpoint pair.
type Webhook interface {
	Verify(w http.ResponseWriter, r *http.Request)
	Receive(w http.ResponseWriter, r *http.Request)
}

type Config struct {
	Addr        string
	WebhookPath string
	HealthPath  string
	MetricsPath string // empty disables /metrics
	Webhook     Webhook
	// Missing reports required settings that are unset; the health
	// endpoint fails while it returns anything.
	Missing func() []string
	Logger  *slog.Logger
}

type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Missing == nil {
		cfg.Missing = func() []string { return nil }
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux(), logger: cfg.Logger}

	s.mux.HandleFunc("GET "+cfg.WebhookPath, cfg.Webhook.Verify)
	s.mux.HandleFunc("POST "+cfg.WebhookPath, cfg.Webhook.Receive)
	if cfg.HealthPath != "" {
		s.mux.HandleFunc("GET "+cfg.HealthPath, s.handleHealth)
	}
	if cfg.MetricsPath != "" {
		s.mux.HandleFunc("GET "+cfg.MetricsPath, metrics.Default.Handler())
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.logRequests(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String(), "webhook", s.cfg.WebhookPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		// In-flight relays can take a full conversation turn.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

type healthResponse struct {
	Message string   `json:"message"`
	Missing []string `json:"missing,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if missing := s.cfg.Missing(); len(missing) > 0 {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(healthResponse{Message: "Error", Missing: missing})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Message: "Up and running"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
