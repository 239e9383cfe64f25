package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coursegate/internal/access"
	"coursegate/internal/config"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

var (
	ada   = types.Identity{ID: "usr_ada", Email: "ada@example.com"}
	grace = types.Identity{ID: "usr_grace", Email: "grace@example.com"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Server:      config.ServerConfig{RequestTimeout: 5 * time.Second},
		Access: config.AccessConfig{
			ReadyTimeout:   200 * time.Millisecond,
			SessionIdleTTL: time.Hour,
		},
		Security:      config.SecurityConfig{CorsAllowedOrigins: []string{"https://course.example.com"}},
		Observability: config.ObservabilityConfig{MetricsEnabled: true, MetricsPath: "/metrics"},
		Build:         config.BuildInfo{Version: "test"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(testConfig(), discardLogger())
	require.NoError(t, err)
	return srv
}

// entitlements is an EntitlementChecker backed by a map. When gate is set,
// checks block until it is closed.
type entitlements struct {
	mu    sync.Mutex
	paid  map[string]bool
	err   error
	gate  chan struct{}
	calls int
}

func (e *entitlements) CheckPaymentStatus(ctx context.Context, identity types.Identity) (bool, error) {
	e.mu.Lock()
	e.calls++
	gate := e.gate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return false, e.err
	}
	return e.paid[identity.ID], nil
}

func (e *entitlements) setPaid(id string) {
	e.mu.Lock()
	if e.paid == nil {
		e.paid = map[string]bool{}
	}
	e.paid[id] = true
	e.mu.Unlock()
}

func (e *entitlements) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// newSessionServer wires a server with a mock authenticator knowing
// sess_ada and sess_grace, a registry over checker and the default policy.
func newSessionServer(t *testing.T, checker *entitlements) *Server {
	t.Helper()
	srv := newTestServer(t)
	srv.Authenticator = &MockAuthenticator{
		Sessions:  map[string]types.Identity{"sess_ada": ada, "sess_grace": grace},
		CSRFToken: "csrf_token",
	}
	srv.Sessions = session.NewRegistry(checker, time.Hour, nil, discardLogger())
	srv.Policy = access.NewPolicy(nil, access.DefaultPaths(), access.NewAllowList("grace@example.com"), nil)
	return srv
}

func withCookie(req *http.Request, sid string) *http.Request {
	req.AddCookie(&http.Cookie{Name: "session_id", Value: sid})
	return req
}

func decodeErrorBody(t *testing.T, body *bytes.Buffer) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(body.Bytes(), &resp))
	return resp.Error
}

// captureLogger returns a JSON logger writing into the returned buffer.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
