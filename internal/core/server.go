// Package core provides the API chassis for coursegate. It creates a chi
// router and enforces cross-cutting concerns (security, session
// resolution, logging, observability and error handling) before requests
// reach domain-specific handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coursegate/internal/access"
	"coursegate/internal/config"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records latency for one request. route is the matched
	// chi pattern.
	RecordRequest(method, route, status string, duration time.Duration)
	RequestStarted()
	RequestFinished()
}

// Server encapsulates all dependencies for the coursegate API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config          *config.Config
	Logger          *slog.Logger
	Validator       *Validator
	Metrics         MetricsCollector
	MetricsHandler  http.Handler
	SecurityService types.SecurityService
	Authenticator   Authenticator
	Sessions        *session.Registry
	Policy          *access.Policy
	RateLimitStore  RateLimitStore
	HealthProbes    []HealthProbe

	// V1RouteRegistrars mount handlers under /api/v1; RootRouteRegistrars
	// mount handlers at the top level (processor webhooks).
	V1RouteRegistrars   []func(chi.Router)
	RootRouteRegistrars []func(chi.Router)

	shutdownHooks []func(context.Context) error

	router  *chi.Mux
	handler http.Handler
}

// NewServer initializes dependencies and prepares the server for route
// mounting. The caller mounts routes with MountRoutes after setting the
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

// Handler returns the root handler: the router wrapped in response
// compression once MountRoutes has run.
func (s *Server) Handler() http.Handler {
	if s.handler != nil {
		return s.handler
	}
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run, in registration order, during Shutdown.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.shutdownHooks = append(s.shutdownHooks, fn)
}

// Shutdown runs the registered shutdown hooks. Every hook runs; their
// errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, fn := range s.shutdownHooks {
		if err := fn(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return errors.Join(errs...)
}
