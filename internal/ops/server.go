// Package ops exposes the operational HTTP surface: health probes,
// Prometheus metrics and component statistics snapshots.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.heromessaging.dev/internal/common/health"
	"go.heromessaging.dev/internal/config"
)

// StatsSource contributes one named section to the /stats document.
type StatsSource func() (name string, stats any)

// Server is the ops HTTP server.
type Server struct {
	config  config.OpsConfig
	checker *health.Checker
	sources []StatsSource
	httpSrv *http.Server
}

// NewServer creates an ops server. Stats sources are snapshot functions
// from the relay, the scheduler and the rate limiter.
func NewServer(cfg config.OpsConfig, checker *health.Checker, sources ...StatsSource) *Server {
	if checker == nil {
		checker = health.NewChecker()
	}
	s := &Server{
		config:  cfg,
		checker: checker,
		sources: sources,
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.checker.HandleLive)
	r.Get("/readyz", s.checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", s.handleStats)

	return r
}

// handleStats aggregates the registered snapshot sources into one document.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	doc := make(map[string]any, len(s.sources))
	for _, source := range s.sources {
		name, stats := source()
		doc[name] = stats
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.Error("Failed to encode stats response", "error", err)
	}
}

// Checker returns the health checker so the host can attach checks.
func (s *Server) Checker() *health.Checker {
	return s.checker
}

// Start begins serving. It returns once the listener fails or Shutdown
// runs; http.ErrServerClosed is swallowed as a normal stop.
func (s *Server) Start() error {
	slog.Info("Ops server started", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Ops server stopping")
	return s.httpSrv.Shutdown(ctx)
}
