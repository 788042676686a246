// Package core provides the API chassis for the EmpowerHer billing service.
// It creates a chi router compatible with both standard HTTP (for local dev)
// and AWS Lambda Proxy Integration. It enforces cross-cutting concerns such
// as security headers, logging, authentication and error rendering before
// requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"empowerher/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records request latency and count. endpoint is the chi
	// route pattern, not the raw path.
	RecordRequest(ctx context.Context, method, endpoint, status string, duration time.Duration)
}

// Server encapsulates all dependencies for the API, allowing for easy
// injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	Validator      *Validator
	Metrics        MetricsCollector
	Authenticator  Authenticator // Resolves tokens to Actors; injected for testability.
	RateLimitStore RateLimitStore
	Premium        PremiumChecker
	HealthProbes   []HealthProbe

	// MetricsHandler, when set, is served unauthenticated at /metrics.
	MetricsHandler http.Handler

	// V1RouteRegistrars mount domain handlers under /v1. Populated by main
	// to avoid import cycles between core and handler packages.
	V1RouteRegistrars []func(r chi.Router)

	// Closers are released on Shutdown in registration order.
	Closers []func()

	// Internal router
	router *chi.Mux
}

// NewServer initializes dependencies and prepares the server for route
// mounting. It performs a "fail-fast" check on critical configuration.
//
// The caller is responsible for calling MountRoutes after populating the
// optional collaborators.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources (database pool, Redis client).
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for _, closeFn := range s.Closers {
		closeFn()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
