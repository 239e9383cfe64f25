package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coursegate/internal/access"
	"coursegate/internal/auth"
	"coursegate/internal/billing"
	"coursegate/internal/catalog"
	"coursegate/internal/config"
	"coursegate/internal/core"
	"coursegate/internal/external"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

const webhookSecret = "whsec_test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Fakes
// =============================================================================

// fakeAuth is an in-memory identity provider. It implements AuthService
// and core.Authenticator.
type fakeAuth struct {
	mu        sync.Mutex
	seq       int
	users     map[string]types.Identity
	passwords map[string]string
	sessions  map[string]types.Identity
	states    map[string]string
	signedOut []string
	resets    []string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		users:     map[string]types.Identity{},
		passwords: map[string]string{},
		sessions:  map[string]types.Identity{},
		states:    map[string]string{},
	}
}

func (f *fakeAuth) newSession(identity types.Identity) *types.Session {
	f.seq++
	sid := fmt.Sprintf("sess_%d", f.seq)
	f.sessions[sid] = identity
	return &types.Session{
		ID:        sid,
		UserID:    identity.ID,
		CSRFToken: "csrf_" + sid,
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}
}

func (f *fakeAuth) register(email, password string) types.Identity {
	f.seq++
	id := types.Identity{ID: fmt.Sprintf("usr_%d", f.seq), Email: email}
	f.users[email] = id
	f.passwords[email] = password
	return id
}

func (f *fakeAuth) SignUp(_ context.Context, req auth.SignUpRequest) (*auth.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[req.Email]; ok {
		return nil, types.NewAppError(types.ErrCodeConflictEmail, "an account with this email already exists", nil)
	}
	id := f.register(req.Email, req.Password)
	return &auth.AuthResult{Identity: id, Session: f.newSession(id), Next: req.RedirectTarget}, nil
}

func (f *fakeAuth) SignIn(_ context.Context, req auth.SignInRequest) (*auth.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.users[req.Email]
	if !ok || f.passwords[req.Email] != req.Password {
		return nil, types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
	}
	return &auth.AuthResult{Identity: id, Session: f.newSession(id)}, nil
}

func (f *fakeAuth) OAuthStart(provider, redirectTarget string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "state_" + provider
	f.states[state] = redirectTarget
	return "https://accounts.example.com/" + provider + "?state=" + state, state, nil
}

func (f *fakeAuth) OAuthCallback(_ context.Context, req auth.OAuthCallbackRequest) (*auth.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, ok := f.states[req.State]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid oauth state", nil)
	}
	id, ok := f.users["oauth@example.com"]
	if !ok {
		id = f.register("oauth@example.com", "")
	}
	return &auth.AuthResult{Identity: id, Session: f.newSession(id), Next: next}, nil
}

func (f *fakeAuth) RequestPasswordReset(_ context.Context, email, _ string) error {
	f.mu.Lock()
	f.resets = append(f.resets, email)
	f.mu.Unlock()
	return nil
}

func (f *fakeAuth) CompletePasswordReset(_ context.Context, token, _ string) error {
	if token != "reset_ok" {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid or expired reset link", nil)
	}
	return nil
}

func (f *fakeAuth) ResendVerification(context.Context, string, string) error { return nil }

func (f *fakeAuth) VerifyEmail(_ context.Context, token string) (string, error) {
	if token != "verify_ok" {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid or expired verification link", nil)
	}
	return "/course/welcome", nil
}

func (f *fakeAuth) SignOut(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	f.signedOut = append(f.signedOut, sessionID)
	return nil
}

func (f *fakeAuth) Authenticate(_ context.Context, sessionID string) (types.Identity, *types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.sessions[sessionID]
	if !ok {
		return types.Identity{}, nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
	}
	return id, &types.Session{ID: sessionID, UserID: id.ID, CSRFToken: "csrf_" + sessionID}, nil
}

// ledger is an in-memory payment ledger standing in for the billing
// services. Reconciliation follows the same short-circuit and processor
// confirmation rules as billing.Reconciler.
type ledger struct {
	mu        sync.Mutex
	registry  *session.Registry
	completed map[string]int
	unpaid    map[string]bool
	owners    map[string]string
	seq       int
	started   int
	startErr  error
	onStart   func()
	webhooks  []string
}

func newLedger() *ledger {
	return &ledger{
		completed: map[string]int{},
		unpaid:    map[string]bool{},
		owners:    map[string]string{},
	}
}

func (l *ledger) CheckPaymentStatus(_ context.Context, identity types.Identity) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed[identity.ID] > 0, nil
}

func (l *ledger) Start(_ context.Context, identity *types.Identity, _ string) (*billing.CheckoutResult, error) {
	if identity == nil {
		return nil, types.NewAppError(types.ErrCodeAuthNotAuthenticated, "sign in to purchase the course", nil)
	}
	if l.onStart != nil {
		l.onStart()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}
	l.seq++
	l.started++
	ref := fmt.Sprintf("cs_test_%d", l.seq)
	l.owners[ref] = identity.ID
	return &billing.CheckoutResult{URL: "https://checkout.stripe.test/c/pay/" + ref, SessionRef: ref}, nil
}

func (l *ledger) Reconcile(_ context.Context, ref string, identity types.Identity) (*billing.ReconcileResult, error) {
	if identity.ID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthNotAuthenticated, "sign in to confirm your payment", nil)
	}

	l.mu.Lock()
	switch {
	case l.completed[identity.ID] > 0:
		l.mu.Unlock()
		return &billing.ReconcileResult{Completed: true, Branch: billing.BranchExisting}, nil
	case ref == "":
		l.mu.Unlock()
		return nil, types.NewAppError(types.ErrCodeValidationMissingSessionRef, "missing checkout session reference", nil)
	case l.unpaid[ref]:
		l.mu.Unlock()
		return nil, types.NewAppError(types.ErrCodePaymentNotConfirmed, "payment has not been confirmed", nil)
	}
	l.completed[identity.ID]++
	l.mu.Unlock()

	if l.registry != nil {
		l.registry.SetEntitlement(identity.ID, true)
	}
	return &billing.ReconcileResult{Completed: true, Branch: billing.BranchInserted}, nil
}

func (l *ledger) HandleCompletedSession(ctx context.Context, ref string, clientRef string) (*billing.ReconcileResult, error) {
	l.mu.Lock()
	l.webhooks = append(l.webhooks, ref)
	if clientRef == "" {
		clientRef = l.owners[ref]
	}
	l.mu.Unlock()
	return l.Reconcile(ctx, ref, types.Identity{ID: clientRef})
}

func (l *ledger) completedCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed[id]
}

// =============================================================================
// Harness
// =============================================================================

// harness is the full API stack over the fakes: the core middleware chain
// and every handler, mounted as in cmd/api.
type harness struct {
	t        *testing.T
	auth     *fakeAuth
	ledger   *ledger
	registry *session.Registry
	policy   *access.Policy
	catalog  *catalog.Catalog
	handler  http.Handler
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Server:      config.ServerConfig{RequestTimeout: 5 * time.Second},
		Access: config.AccessConfig{
			AdminAllowList: []string{"admin@example.com"},
			ReadyTimeout:   500 * time.Millisecond,
			SessionIdleTTL: time.Hour,
		},
		Build: config.BuildInfo{Version: "test"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	logger := discardLogger()

	srv, err := core.NewServer(cfg, logger)
	require.NoError(t, err)

	cat, err := catalog.Default()
	require.NoError(t, err)

	h := &harness{
		t:       t,
		auth:    newFakeAuth(),
		ledger:  newLedger(),
		catalog: cat,
	}
	h.registry = session.NewRegistry(h.ledger, time.Hour, nil, logger)
	h.ledger.registry = h.registry
	h.policy = access.NewPolicy(nil, access.DefaultPaths(), access.NewAllowList(cfg.Access.AdminAllowList...), nil)

	srv.Authenticator = h.auth
	srv.Sessions = h.registry
	srv.Policy = h.policy

	authH := NewAuthHandler(h.auth, h.registry, h.policy, srv.Validator, srv.SecureCookies(), logger)
	sessionH := NewSessionHandler(h.policy, cfg.Access.ReadyTimeout, logger)
	courseH := NewCourseHandler(cat, srv.RequireAccess, access.DefaultPaths().CourseEntry, logger)
	billingH := NewBillingHandler(h.ledger, h.ledger, h.policy, srv.Validator, cfg.Access.ReadyTimeout, logger)
	webhookH := NewStripeWebhookHandler(&external.StripeVerifier{}, h.ledger, webhookSecret, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		authH.RegisterRoutes,
		sessionH.RegisterRoutes,
		courseH.RegisterRoutes,
		billingH.RegisterRoutes,
	)
	srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, webhookH.RegisterRoutes)
	srv.MountRoutes()

	h.handler = srv.Handler()
	return h
}

// client is a browser: it keeps the session cookie and CSRF token between
// requests.
type client struct {
	h    *harness
	sid  string
	csrf string
}

func (h *harness) browser() *client {
	return &client{h: h}
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.h.t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.h.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sid != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: c.sid})
	}
	if c.csrf != "" && method != http.MethodGet {
		req.Header.Set(core.CSRFHeader, c.csrf)
	}

	rec := httptest.NewRecorder()
	c.h.handler.ServeHTTP(rec, req)

	for _, ck := range rec.Result().Cookies() {
		if ck.Name != auth.SessionCookieName {
			continue
		}
		if ck.MaxAge < 0 || ck.Value == "" {
			c.sid, c.csrf = "", ""
		} else {
			c.sid = ck.Value
		}
	}
	return rec
}

// signUp registers email and keeps the new session.
func (c *client) signUp(email, next string) authResponse {
	c.h.t.Helper()
	rec := c.do(http.MethodPost, "/api/v1/auth/signup", map[string]string{
		"email":    email,
		"password": "correct horse battery",
		"next":     next,
	})
	require.Equal(c.h.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp authResponse
	decodeData(c.h.t, rec, &resp)
	c.csrf = resp.CSRFToken
	return resp
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorDetail {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func lessonAPI(slug string) string {
	return "/api/v1/course/lessons/" + slug
}

func accessAPI(path string) string {
	return "/api/v1/access?path=" + url.QueryEscape(path)
}
