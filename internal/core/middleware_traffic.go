package core

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"coursegate/internal/types"
)

// RateLimit throttles requests per client IP using the configured
// RateLimitStore. Every response carries X-RateLimit-Limit and
// X-RateLimit-Remaining; throttled responses add Retry-After.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitStore == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		res := s.RateLimitStore.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))

			types.LoggerFromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "rate limit exceeded; retry later", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ContextTimeout bounds every request's context by timeout.
func ContextTimeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
