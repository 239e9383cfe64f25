package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegate/internal/auth"
	"coursegate/internal/types"
)

func TestSignUp_StartsSession(t *testing.T) {
	h := newHarness(t)
	c := h.browser()

	resp := c.signUp("a@x.com", "/course/welcome")

	assert.Equal(t, "a@x.com", resp.Identity.Email)
	assert.False(t, resp.HasPaid)
	assert.NotEmpty(t, resp.CSRFToken)
	assert.Equal(t, "/pricing?next=%2Fcourse%2Fwelcome", resp.Next, "an unpaid account lands on pricing with the path remembered")
	require.NotEmpty(t, c.sid)

	st, ok := h.registry.Get(c.sid)
	require.True(t, ok)
	snap := st.Snapshot()
	assert.False(t, snap.IsLoading)
	assert.Equal(t, resp.Identity.ID, snap.Identity.ID)
}

func TestSignUp_CookieAttributes(t *testing.T) {
	h := newHarness(t)
	rec := h.browser().do(http.MethodPost, "/api/v1/auth/signup", map[string]string{
		"email":    "a@x.com",
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	ck := cookies[0]
	assert.Equal(t, auth.SessionCookieName, ck.Name)
	assert.True(t, ck.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, ck.SameSite)
	assert.Equal(t, "/", ck.Path)
}

func TestSignUp_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
		want types.ErrorCode
	}{
		{"missing email", map[string]string{"password": "pw"}, types.ErrCodeValidationMissingField},
		{"bad email", map[string]string{"email": "nope", "password": "pw"}, types.ErrCodeValidationInvalidEmail},
		{"off-site next", map[string]string{"email": "a@x.com", "password": "pw", "next": "https://evil.example"}, types.ErrCodeValidationInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newHarness(t).browser().do(http.MethodPost, "/api/v1/auth/signup", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(tt.want), decodeError(t, rec).Code)
		})
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	h := newHarness(t)
	h.browser().signUp("a@x.com", "")

	rec := h.browser().do(http.MethodPost, "/api/v1/auth/signup", map[string]string{
		"email":    "a@x.com",
		"password": "correct horse battery",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.ErrCodeConflictEmail), decodeError(t, rec).Code)
}

func TestSignIn_HonoursRememberedPath(t *testing.T) {
	h := newHarness(t)
	first := h.browser()
	resp := first.signUp("a@x.com", "")
	h.ledger.completed[resp.Identity.ID] = 1

	c := h.browser()
	rec := c.do(http.MethodPost, "/api/v1/auth/signin", map[string]string{
		"email":    "a@x.com",
		"password": "correct horse battery",
		"next":     "/course/configuration",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got authResponse
	decodeData(t, rec, &got)
	assert.True(t, got.HasPaid, "entitlement is resolved before the response")
	assert.Equal(t, "/course/configuration", got.Next)
	assert.NotEqual(t, first.sid, c.sid)
}

func TestSignIn_SignupPageFallsBackToCourseEntry(t *testing.T) {
	h := newHarness(t)
	resp := h.browser().signUp("a@x.com", "")
	h.ledger.completed[resp.Identity.ID] = 1

	rec := h.browser().do(http.MethodPost, "/api/v1/auth/signin", map[string]string{
		"email":    "a@x.com",
		"password": "correct horse battery",
		"next":     "/signup",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got authResponse
	decodeData(t, rec, &got)
	assert.Equal(t, "/course", got.Next)
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	h := newHarness(t)
	h.browser().signUp("a@x.com", "")

	c := h.browser()
	rec := c.do(http.MethodPost, "/api/v1/auth/signin", map[string]string{
		"email":    "a@x.com",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthInvalidCreds), decodeError(t, rec).Code)
	assert.Empty(t, c.sid)
}

func TestSignIn_ReplacesExistingSession(t *testing.T) {
	h := newHarness(t)
	c := h.browser()
	c.signUp("a@x.com", "")
	old := c.sid

	rec := c.do(http.MethodPost, "/api/v1/auth/signin", map[string]string{
		"email":    "a@x.com",
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotEqual(t, old, c.sid)
	assert.Contains(t, h.auth.signedOut, old)
	_, ok := h.registry.Get(old)
	assert.False(t, ok)
}

func TestSignOut_ClearsStoreAndCookie(t *testing.T) {
	h := newHarness(t)
	c := h.browser()
	c.signUp("a@x.com", "")
	sid := c.sid

	rec := c.do(http.MethodPost, "/api/v1/auth/signout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, c.sid, "cookie is expired")

	_, ok := h.registry.Get(sid)
	assert.False(t, ok)
	assert.Contains(t, h.auth.signedOut, sid)
}

func TestSignOut_RequiresCSRF(t *testing.T) {
	h := newHarness(t)
	c := h.browser()
	c.signUp("a@x.com", "")
	c.csrf = "forged"

	rec := c.do(http.MethodPost, "/api/v1/auth/signout", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthCSRFInvalid), decodeError(t, rec).Code)
}

func TestSignOut_Anonymous(t *testing.T) {
	rec := newHarness(t).browser().do(http.MethodPost, "/api/v1/auth/signout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOAuth_StartAndCallback(t *testing.T) {
	h := newHarness(t)
	c := h.browser()

	rec := c.do(http.MethodGet, "/api/v1/auth/oauth/github?next=%2Fcourse%2Fwelcome", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://accounts.example.com/github?state=state_github", rec.Header().Get("Location"))

	rec = c.do(http.MethodGet, "/api/v1/auth/oauth/github/callback?code=abc&state=state_github", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/pricing?next=%2Fcourse%2Fwelcome", rec.Header().Get("Location"))
	assert.NotEmpty(t, c.sid)
}

func TestOAuth_UnknownProvider(t *testing.T) {
	rec := newHarness(t).browser().do(http.MethodGet, "/api/v1/auth/oauth/myspace", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidProvider), decodeError(t, rec).Code)
}

func TestOAuth_CallbackNeedsCodeAndState(t *testing.T) {
	rec := newHarness(t).browser().do(http.MethodGet, "/api/v1/auth/oauth/google/callback?code=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasswordReset(t *testing.T) {
	h := newHarness(t)
	c := h.browser()

	rec := c.do(http.MethodPost, "/api/v1/auth/password-reset", map[string]string{"email": "nobody@x.com"})
	assert.Equal(t, http.StatusAccepted, rec.Code, "unknown accounts are not revealed")
	assert.Equal(t, []string{"nobody@x.com"}, h.auth.resets)

	rec = c.do(http.MethodPost, "/api/v1/auth/password-reset/confirm", map[string]string{"token": "bad", "password": "new password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = c.do(http.MethodPost, "/api/v1/auth/password-reset/confirm", map[string]string{"token": "reset_ok", "password": "new password"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestResendVerification(t *testing.T) {
	rec := newHarness(t).browser().do(http.MethodPost, "/api/v1/auth/verification/resend", map[string]string{"email": "a@x.com"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestVerifyEmail(t *testing.T) {
	h := newHarness(t)

	rec := h.browser().do(http.MethodGet, "/api/v1/auth/verify", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthTokenMissing), decodeError(t, rec).Code)

	rec = h.browser().do(http.MethodGet, "/api/v1/auth/verify?token=verify_ok", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/signup?next=%2Fcourse%2Fwelcome", rec.Header().Get("Location"), "an anonymous browser is sent to sign in first")
}
