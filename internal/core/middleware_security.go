package core

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"coursegate/internal/types"
)

// CSRFHeader carries the session's CSRF token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// IPSecurityMiddleware rejects requests from addresses the security service
// has blocked after repeated failed sign-in attempts. It runs before session
// resolution so blocked clients never reach the session table.
func (s *Server) IPSecurityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.SecurityService == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		if s.SecurityService.IsIPBlocked(r.Context(), ip) {
			types.LoggerFromContext(r.Context()).Warn("blocked request from IP",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthRateLimited, "too many failed attempts; try again later", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CSRFMiddleware requires a matching X-CSRF-Token header on unsafe methods
// for requests that carry a signed-in session. Anonymous requests pass; the
// handlers they reach do not act on a session.
func (s *Server) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		actor, ok := types.GetActor(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(CSRFHeader)
		expected, hasToken := types.GetSessionCSRFToken(r.Context())
		if !hasToken || header == "" ||
			subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
			types.LoggerFromContext(r.Context()).Warn("csrf check failed",
				slog.String("user_id", actor.UserID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Bool("header_present", header != ""),
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthCSRFInvalid, "CSRF token is missing or invalid", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client address: the first
// X-Forwarded-For entry when present, otherwise RemoteAddr without port.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
