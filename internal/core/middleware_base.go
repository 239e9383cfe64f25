package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"coursegate/internal/types"
)

// statusRecorder wraps an http.ResponseWriter to observe the status code
// written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.status = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Recoverer turns a panic anywhere below it into a 500 error envelope and a
// logged stack trace. It must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			s.Logger.Error("panic recovered",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("panic", fmt.Sprintf("%v", rvr)),
				slog.String("stack", string(debug.Stack())),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = writePanicEnvelope(w, types.GetRequestID(r.Context()))
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestLogger installs a request-scoped logger carrying the request ID
// and logs one line per completed request. Values of headers named in
// redactedHeaders (case-insensitive) are masked.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redact := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redact[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := logger
			if reqID := types.GetRequestID(r.Context()); reqID != "" {
				reqLogger = logger.With(slog.String("request_id", reqID))
			}
			r = r.WithContext(types.WithLogger(r.Context(), reqLogger))

			sr := newStatusRecorder(w)
			next.ServeHTTP(sr, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sr.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if actor, ok := types.GetActor(r.Context()); ok {
				attrs = append(attrs, slog.String("user_id", actor.UserID))
			}

			var headers []any
			for name, values := range r.Header {
				if _, ok := redact[strings.ToLower(name)]; ok {
					headers = append(headers, slog.String(name, "[REDACTED]"))
					continue
				}
				headers = append(headers, slog.String(name, strings.Join(values, ", ")))
			}
			if len(headers) > 0 {
				attrs = append(attrs, slog.Group("headers", headers...))
			}

			switch {
			case sr.status >= 500:
				reqLogger.Error("request completed", attrs...)
			case sr.status >= 400:
				reqLogger.Warn("request completed", attrs...)
			default:
				reqLogger.Info("request completed", attrs...)
			}
		})
	}
}

// MetricsMiddleware records request latency keyed by the matched route
// pattern, so path parameters do not explode label cardinality. It is a
// pass-through when no collector is configured.
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		s.Metrics.RequestStarted()
		defer s.Metrics.RequestFinished()

		start := time.Now()
		sr := newStatusRecorder(w)
		next.ServeHTTP(sr, r)

		s.Metrics.RecordRequest(r.Method, routePattern(r), strconv.Itoa(sr.status), time.Since(start))
	})
}

// routePattern returns the chi pattern that matched r, or "unmatched".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// SecurityHeadersMiddleware sets baseline security headers on every response.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware allows cross-origin requests from allowedOrigins and
// answers preflight requests. Credentials are only allowed for explicitly
// listed origins; a "*" entry allows any origin without credentials.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		origins[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()

			if _, listed := origins[origin]; origin != "" && listed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			} else if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			}

			if h.Get("Access-Control-Allow-Origin") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token, X-Request-ID")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writePanicEnvelope formats the 500 envelope by hand; encoding/json is not
// trusted inside a recovered panic.
func writePanicEnvelope(w http.ResponseWriter, requestID string) error {
	body := fmt.Sprintf(
		`{"error":{"code":"%s","message":"an unexpected error occurred","request_id":"%s"}}`,
		escapeJSON(string(types.ErrCodeInternalUnexpected)), escapeJSON(requestID),
	)
	_, err := w.Write([]byte(body))
	return err
}

func escapeJSON(s string) string {
	return strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	).Replace(s)
}
