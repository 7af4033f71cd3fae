package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/apiversion"
	"github.com/taxpoynt/messagefabric/internal/config"
	"github.com/taxpoynt/messagefabric/internal/platform"
	"github.com/taxpoynt/messagefabric/pkg/health"
)

// Server is the HTTP boundary of the fabric: health, metrics and the
// versioned routing API.
type Server struct {
	cfg  *config.Config
	log  *zap.Logger
	p    *platform.Platform
	http *http.Server
}

// New builds the server over a started platform.
func New(cfg *config.Config, p *platform.Platform, log *zap.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: log.With(zap.String("module", "http_server")),
		p:   p,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/route", s.handleRoute)
	api.HandleFunc("/api/v1/services", s.handleRegisterService)
	api.HandleFunc("/api/v1/rules", s.handleAddRule)
	api.HandleFunc("/api/v1/stats", s.handleStats)
	api.HandleFunc("/api/v1/versions", s.handleVersions)
	api.HandleFunc("/api/v1/dead-letters", s.handleDeadLetters)
	api.HandleFunc("/api/v1/errors/report", s.handleErrorReport)
	api.HandleFunc("/api/v1/scaling", s.handleScaling)
	versioned := p.Versions.Middleware(apiversion.MiddlewareConfig{
		Limiter:          p.RateLimiter,
		DefaultRateLimit: 0,
	}, log)(api)
	mux.Handle("/api/", versioned)

	s.http = &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routing mux for in-process tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.p.Health.GetHealthStatus()
	status := http.StatusOK
	if snap.Overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}
