package core

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"coursegate/internal/types"
)

const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders are masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
	CSRFHeader,
	"Stripe-Signature",
}

// MountRoutes registers the global middleware chain, the /api/v1 group and
// the top-level routes. Call it once, after all collaborators are set.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil && s.metricsEnabled() {
		s.router.Method(http.MethodGet, s.metricsPath(), s.MetricsHandler)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})
	for _, registrar := range s.RootRouteRegistrars {
		registrar(s.router)
	}

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "no such route", nil))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeMethodNotAllowed, "method not allowed", nil))
	})

	s.handler = gzhttp.GzipHandler(s.router)
}

// registerGlobalMiddleware applies middleware in order:
//
//  1. Recoverer       catches panics from everything below.
//  2. ContextTimeout  bounds the request context.
//  3. RequestID       correlation ID for logs.
//  4. SecurityHeaders
//  5. RequestLogger   request-scoped logger and access log.
//  6. CORS
//  7. Metrics
//  8. IPSecurity      rejects blocked addresses before session lookup.
//  9. RateLimit       per client IP.
//  10. Session        resolves the cookie to a session store and actor.
//  11. CSRF           needs the actor from Session.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeout(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(s.IPSecurityMiddleware)
	s.router.Use(s.RateLimit)
	s.router.Use(s.SessionMiddleware)
	s.router.Use(s.CSRFMiddleware)
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

func (s *Server) metricsEnabled() bool {
	return s.Config == nil || s.Config.Observability.MetricsEnabled
}

func (s *Server) metricsPath() string {
	if s.Config != nil && s.Config.Observability.MetricsPath != "" {
		return s.Config.Observability.MetricsPath
	}
	return "/metrics"
}

// RequestIDMiddleware propagates an incoming X-Request-Id or generates one,
// storing it in the context and echoing it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}
