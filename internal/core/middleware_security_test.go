package core

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"coursegate/internal/types"
)

func TestIPSecurityMiddleware(t *testing.T) {
	srv := newTestServer(t)
	srv.SecurityService = &MockSecurityService{BlockedIPs: map[string]bool{"203.0.113.9": true}}
	h := srv.IPSecurityMiddleware(okHandler())

	blocked := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", nil)
	blocked.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := serve(h, blocked)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthRateLimited), decodeErrorBody(t, rec.Body).Code)

	allowed := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", nil)
	allowed.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, http.StatusOK, serve(h, allowed).Code)
}

func TestIPSecurityMiddleware_NilServicePassesThrough(t *testing.T) {
	srv := newTestServer(t)
	rec := serve(srv.IPSecurityMiddleware(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCSRFMiddleware(t *testing.T) {
	srv := newTestServer(t)
	h := srv.CSRFMiddleware(okHandler())

	signedIn := func(method, header string, withToken bool) *http.Request {
		req := httptest.NewRequest(method, "/api/v1/checkout", nil)
		ctx := types.WithActor(req.Context(), types.Actor{UserID: ada.ID, Email: ada.Email, SessionID: "sess_ada"})
		if withToken {
			ctx = types.WithSessionCSRFToken(ctx, "tok_1")
		}
		if header != "" {
			req.Header.Set(CSRFHeader, header)
		}
		return req.WithContext(ctx)
	}

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"safe method skips check", signedIn(http.MethodGet, "", true), http.StatusOK},
		{"anonymous post passes", httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", nil), http.StatusOK},
		{"matching token", signedIn(http.MethodPost, "tok_1", true), http.StatusOK},
		{"missing header", signedIn(http.MethodPost, "", true), http.StatusForbidden},
		{"wrong token", signedIn(http.MethodPost, "tok_2", true), http.StatusForbidden},
		{"no session token", signedIn(http.MethodPost, "tok_1", false), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, string(types.ErrCodeAuthCSRFInvalid), decodeErrorBody(t, rec.Body).Code)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"first forwarded entry", "203.0.113.1, 10.0.0.2", "10.0.0.3:80", "203.0.113.1"},
		{"trims spaces", "  203.0.113.1  ", "10.0.0.3:80", "203.0.113.1"},
		{"remote addr with port", "", "198.51.100.2:1234", "198.51.100.2"},
		{"remote addr without port", "", "198.51.100.2", "198.51.100.2"},
		{"ipv6 remote addr", "", "[2001:db8::1]:443", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
