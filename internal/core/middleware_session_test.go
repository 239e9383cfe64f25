package core

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegate/internal/access"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

// snapshotHandler records the session state the handler observed.
type snapshotHandler struct {
	mu    sync.Mutex
	snap  session.Snapshot
	actor *types.Actor
	csrf  string
}

func (h *snapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap = session.FromContext(r.Context()).Snapshot()
	if a, ok := types.GetActor(r.Context()); ok {
		h.actor = &a
	}
	h.csrf, _ = types.GetSessionCSRFToken(r.Context())
	w.WriteHeader(http.StatusOK)
}

func TestSessionMiddleware_NoCookieIsAnonymous(t *testing.T) {
	srv := newSessionServer(t, &entitlements{})
	h := &snapshotHandler{}

	rec := serve(srv.SessionMiddleware(h), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, h.snap.Identity)
	assert.False(t, h.snap.IsLoading)
	assert.Nil(t, h.actor)
	assert.Equal(t, 0, srv.Sessions.Len())
}

func TestSessionMiddleware_RestoresIdentityAndEntitlement(t *testing.T) {
	checker := &entitlements{}
	checker.setPaid(ada.ID)
	srv := newSessionServer(t, checker)
	h := &snapshotHandler{}

	serve(srv.SessionMiddleware(h), withCookie(httptest.NewRequest(http.MethodGet, "/course", nil), "sess_ada"))

	require.NotNil(t, h.snap.Identity)
	assert.Equal(t, ada.ID, h.snap.Identity.ID)
	assert.True(t, h.snap.HasPaid)
	assert.False(t, h.snap.IsLoading)
	require.NotNil(t, h.actor)
	assert.Equal(t, "sess_ada", h.actor.SessionID)
	assert.Equal(t, "csrf_token", h.csrf)

	// The store is reused, so the second request does not re-check.
	serve(srv.SessionMiddleware(h), withCookie(httptest.NewRequest(http.MethodGet, "/course", nil), "sess_ada"))
	assert.Equal(t, 1, checker.callCount())
}

func TestSessionMiddleware_InvalidCookieClearsState(t *testing.T) {
	srv := newSessionServer(t, &entitlements{})
	stale, _ := srv.Sessions.GetOrCreate("sess_gone")
	require.NoError(t, stale.SignIn(t.Context(), ada))
	h := &snapshotHandler{}

	rec := serve(srv.SessionMiddleware(h), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_gone"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, h.snap.Identity)
	assert.Nil(t, stale.CurrentIdentity(), "the dropped store is signed out")
	_, ok := srv.Sessions.Get("sess_gone")
	assert.False(t, ok)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "session_id", cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestSessionMiddleware_AuthenticatorFailureIsAnError(t *testing.T) {
	srv := newSessionServer(t, &entitlements{})
	srv.Authenticator = &MockAuthenticator{Err: types.NewAppError(types.ErrCodeInternalDB, "db down", errors.New("conn refused"))}

	rec := serve(srv.SessionMiddleware(okHandler()), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(types.ErrCodeInternalDB), decodeErrorBody(t, rec.Body).Code)
}

func TestSessionMiddleware_ConcurrentRequestSeesLoading(t *testing.T) {
	checker := &entitlements{gate: make(chan struct{})}
	srv := newSessionServer(t, checker)

	first := make(chan struct{})
	go func() {
		defer close(first)
		serve(srv.SessionMiddleware(okHandler()), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))
	}()

	require.Eventually(t, func() bool { return checker.callCount() == 1 }, time.Second, time.Millisecond)

	h := &snapshotHandler{}
	serve(srv.SessionMiddleware(h), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))
	assert.True(t, h.snap.IsLoading, "second request observes the restore in progress")
	assert.False(t, h.snap.HasPaid)

	close(checker.gate)
	<-first
}

func guarded(srv *Server) http.Handler {
	return srv.SessionMiddleware(srv.RequireAccess(func(*http.Request) string { return "/course/welcome" })(okHandler()))
}

func TestRequireAccess(t *testing.T) {
	checker := &entitlements{}
	srv := newSessionServer(t, checker)

	t.Run("anonymous is sent to sign-up", func(t *testing.T) {
		rec := serve(guarded(srv), httptest.NewRequest(http.MethodGet, "/api/v1/course/lessons/welcome", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		detail := decodeErrorBody(t, rec.Body)
		assert.Equal(t, string(types.ErrCodeAuthNotAuthenticated), detail.Code)
		assert.Equal(t, "/signup?next=%2Fcourse%2Fwelcome", detail.Details["location"])
	})

	t.Run("unpaid is sent to pricing", func(t *testing.T) {
		rec := serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		detail := decodeErrorBody(t, rec.Body)
		assert.Equal(t, string(types.ErrCodePermissionNotPaid), detail.Code)
		assert.Equal(t, "/pricing?next=%2Fcourse%2Fwelcome", detail.Details["location"])
		assert.Equal(t, access.ReasonNotPaid, detail.Details["reason"])
	})

	t.Run("allow-listed admin passes", func(t *testing.T) {
		rec := serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_grace"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("paid passes after entitlement is set", func(t *testing.T) {
		srv.Sessions.SetEntitlement(ada.ID, true)
		rec := serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRequireAccess_RecoversAfterFailedCheck(t *testing.T) {
	checker := &entitlements{err: errors.New("connection refused")}
	checker.setPaid(ada.ID)
	srv := newSessionServer(t, checker)

	rec := serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	checker.mu.Lock()
	checker.err = nil
	checker.mu.Unlock()

	rec = serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, checker.callCount())

	// Once the check succeeds the store is trusted again.
	serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))
	assert.Equal(t, 2, checker.callCount())
}

func TestRequireAccess_WaitsForLoadingSession(t *testing.T) {
	checker := &entitlements{gate: make(chan struct{})}
	checker.setPaid(ada.ID)
	srv := newSessionServer(t, checker)
	srv.Config.Access.ReadyTimeout = 2 * time.Second

	// The first request restores the store and blocks in the checker.
	go serve(srv.SessionMiddleware(okHandler()), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))
	require.Eventually(t, func() bool { return checker.callCount() == 1 }, time.Second, time.Millisecond)

	result := make(chan int, 1)
	go func() {
		result <- serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada")).Code
	}()

	select {
	case <-result:
		t.Fatal("guard decided before the session resolved")
	case <-time.After(50 * time.Millisecond):
	}

	close(checker.gate)
	select {
	case code := <-result:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(time.Second):
		t.Fatal("guard did not decide after the session resolved")
	}
}

func TestRequireAccess_ReadyTimeout(t *testing.T) {
	checker := &entitlements{gate: make(chan struct{})}
	defer close(checker.gate)
	srv := newSessionServer(t, checker)
	srv.Config.Access.ReadyTimeout = 50 * time.Millisecond

	st, _ := srv.Sessions.GetOrCreate("sess_ada")
	go func() { _ = st.SignIn(t.Context(), ada) }()
	require.Eventually(t, func() bool { return checker.callCount() == 1 }, time.Second, time.Millisecond)

	rec := serve(guarded(srv), withCookie(httptest.NewRequest(http.MethodGet, "/", nil), "sess_ada"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(types.ErrCodeSessionNotReady), decodeErrorBody(t, rec.Body).Code)
}

func TestDecide_NoWaitReturnsLoading(t *testing.T) {
	st := session.NewStore("sess_x", nil, nil, nil)
	p := access.NewPolicy(nil, access.DefaultPaths(), nil, nil)

	d, err := Decide(t.Context(), p, st, "/course", 0)

	require.NoError(t, err)
	assert.Equal(t, access.ActionLoading, d.Action)
}

func TestDecisionError(t *testing.T) {
	paid := DecisionError(access.Decision{Action: access.ActionRedirect, Reason: access.ReasonNotPaid, Location: "/pricing"})
	assert.Equal(t, types.ErrCodePermissionNotPaid, paid.Code)

	signIn := DecisionError(access.Decision{Action: access.ActionRedirect, Reason: access.ReasonSignInNeeded, Location: "/signup"})
	assert.Equal(t, types.ErrCodeAuthNotAuthenticated, signIn.Code)
	assert.Equal(t, "/signup", signIn.Details["location"])
}
