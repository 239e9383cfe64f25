// Package handlers contains the HTTP handlers of the course API.
//
// Handlers depend on small interfaces over the services they call, decode
// and validate input with core.DecodeJSON and core.Validator, and write
// responses through the core envelope helpers.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coursegate/internal/access"
	"coursegate/internal/auth"
	"coursegate/internal/core"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

// signInTimeout bounds the entitlement check that runs when a session is
// signed in. It is detached from the request so an aborted response does
// not leave the store resolved as unpaid.
const signInTimeout = 5 * time.Second

// AuthService is the subset of auth.Service used by AuthHandler.
type AuthService interface {
	SignUp(ctx context.Context, req auth.SignUpRequest) (*auth.AuthResult, error)
	SignIn(ctx context.Context, req auth.SignInRequest) (*auth.AuthResult, error)
	OAuthStart(provider, redirectTarget string) (string, string, error)
	OAuthCallback(ctx context.Context, req auth.OAuthCallbackRequest) (*auth.AuthResult, error)
	RequestPasswordReset(ctx context.Context, email, ip string) error
	CompletePasswordReset(ctx context.Context, token, newPassword string) error
	ResendVerification(ctx context.Context, email, redirectTarget string) error
	VerifyEmail(ctx context.Context, token string) (string, error)
	SignOut(ctx context.Context, sessionID string) error
}

// SessionRegistry is the subset of session.Registry the auth flows write to.
type SessionRegistry interface {
	GetOrCreate(id string) (*session.Store, bool)
	SignOut(id string)
}

// AuthHandler serves sign-up, sign-in, sign-out and the account recovery
// flows. Successful sign-ins set the session cookie and resolve the
// session's store before responding.
type AuthHandler struct {
	svc       AuthService
	sessions  SessionRegistry
	policy    *access.Policy
	validator *core.Validator
	secure    bool
	logger    *slog.Logger
}

// NewAuthHandler creates an AuthHandler. secure marks the session cookie
// Secure and is false only for local development.
func NewAuthHandler(
	svc AuthService,
	sessions SessionRegistry,
	policy *access.Policy,
	validator *core.Validator,
	secure bool,
	logger *slog.Logger,
) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		svc:       svc,
		sessions:  sessions,
		policy:    policy,
		validator: validator,
		secure:    secure,
		logger:    logger,
	}
}

// RegisterRoutes mounts the auth endpoints under /auth.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.SignUp)
		r.Post("/signin", h.SignIn)
		r.Post("/signout", h.SignOut)
		r.Get("/oauth/{provider}", h.OAuthStart)
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)
		r.Post("/password-reset", h.RequestPasswordReset)
		r.Post("/password-reset/confirm", h.CompletePasswordReset)
		r.Post("/verification/resend", h.ResendVerification)
		r.Get("/verify", h.VerifyEmail)
	})
}

// ---------------------------------------------------------------------------
// Request / response types
// ---------------------------------------------------------------------------

type signUpRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"display_name,omitempty"`
	Next        string `json:"next,omitempty" validate:"next"`
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Next     string `json:"next,omitempty" validate:"next"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
	Next  string `json:"next,omitempty" validate:"next"`
}

type completeResetRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type oauthProvider struct {
	Provider string `json:"provider" validate:"required,oneof=google github"`
}

// authResponse is returned by every flow that signs a session in. Next is
// where the client goes now: the remembered path when the session may
// see it, otherwise the page the access policy sends it to.
type authResponse struct {
	Identity  types.Identity `json:"identity"`
	HasPaid   bool           `json:"hasPaid"`
	CSRFToken string         `json:"csrf_token"`
	Next      string         `json:"next"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// SignUp handles POST /auth/signup. Sign-up doubles as sign-in: the new
// account gets a session straight away.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.svc.SignUp(r.Context(), auth.SignUpRequest{
		Email:          req.Email,
		Password:       req.Password,
		DisplayName:    req.DisplayName,
		RedirectTarget: req.Next,
		IP:             core.ClientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.completeSignIn(w, r, res, http.StatusCreated)
}

// SignIn handles POST /auth/signin.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.svc.SignIn(r.Context(), auth.SignInRequest{
		Email:     req.Email,
		Password:  req.Password,
		IP:        core.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res.Next = req.Next

	h.completeSignIn(w, r, res, http.StatusOK)
}

// SignOut handles POST /auth/signout. The session's store is cleared
// before the response is written, so no later request on this browser can
// observe the old entitlement.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if actor, ok := types.GetActor(r.Context()); ok {
		h.endSession(r.Context(), actor.SessionID)
	}
	core.ClearSessionCookie(w, h.secure)
	w.WriteHeader(http.StatusNoContent)
}

// OAuthStart handles GET /auth/oauth/{provider}, redirecting to the
// provider's consent page.
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := oauthProvider{Provider: chi.URLParam(r, "provider")}
	if err := h.validator.ValidateStruct(provider); err != nil {
		core.Error(w, r, err)
		return
	}

	authURL, _, err := h.svc.OAuthStart(provider.Provider, access.SanitizeNext(r.URL.Query().Get("next")))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback handles GET /auth/oauth/{provider}/callback. On success
// the browser is redirected to where the session should land.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := oauthProvider{Provider: chi.URLParam(r, "provider")}
	if err := h.validator.ValidateStruct(provider); err != nil {
		core.Error(w, r, err)
		return
	}

	q := r.URL.Query()
	if q.Get("code") == "" || q.Get("state") == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "code and state are required", nil))
		return
	}

	res, err := h.svc.OAuthCallback(r.Context(), auth.OAuthCallbackRequest{
		Provider:  provider.Provider,
		Code:      q.Get("code"),
		State:     q.Get("state"),
		IP:        core.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := h.startSession(w, r, res)
	http.Redirect(w, r, resp.Next, http.StatusFound)
}

// RequestPasswordReset handles POST /auth/password-reset. It answers 202
// whether or not the account exists.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.svc.RequestPasswordReset(r.Context(), req.Email, core.ClientIP(r)); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CompletePasswordReset handles POST /auth/password-reset/confirm. Every
// session of the account is invalidated; stores still held for them are
// dropped on their next request.
func (h *AuthHandler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req completeResetRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.svc.CompletePasswordReset(r.Context(), req.Token, req.Password); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResendVerification handles POST /auth/verification/resend.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.svc.ResendVerification(r.Context(), req.Email, req.Next); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// VerifyEmail handles GET /auth/verify?token=, the link in the
// verification email, and redirects to the path remembered at sign-up.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "verification token is required", nil))
		return
	}

	next, err := h.svc.VerifyEmail(r.Context(), token)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	snap := session.FromContext(r.Context()).Snapshot()
	http.Redirect(w, r, h.landing(snap, next), http.StatusFound)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (h *AuthHandler) completeSignIn(w http.ResponseWriter, r *http.Request, res *auth.AuthResult, status int) {
	core.Data(w, r, status, h.startSession(w, r, res))
}

// startSession replaces any session the browser already had with the one
// in res, resolves its store and sets the cookie.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, res *auth.AuthResult) authResponse {
	ctx := r.Context()
	if actor, ok := types.GetActor(ctx); ok && actor.SessionID != res.Session.ID {
		h.endSession(ctx, actor.SessionID)
	}

	st, _ := h.sessions.GetOrCreate(res.Session.ID)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signInTimeout)
	defer cancel()
	if err := st.SignIn(sctx, res.Identity); err != nil {
		h.logger.WarnContext(ctx, "entitlement check failed during sign-in",
			"user_id", res.Identity.ID,
			"error", err,
		)
	}

	core.SetSessionCookie(w, res.Session.ID, res.Session.ExpiresAt, h.secure)

	snap := st.Snapshot()
	return authResponse{
		Identity:  res.Identity,
		HasPaid:   snap.HasPaid,
		CSRFToken: res.Session.CSRFToken,
		Next:      h.landing(snap, res.Next),
	}
}

// endSession deletes the persisted session and clears its store.
func (h *AuthHandler) endSession(ctx context.Context, sessionID string) {
	if err := h.svc.SignOut(ctx, sessionID); err != nil {
		h.logger.WarnContext(ctx, "failed to delete session", "error", err)
	}
	h.sessions.SignOut(sessionID)
}

// landing resolves the remembered path against the access policy.
func (h *AuthHandler) landing(snap session.Snapshot, next string) string {
	target := h.policy.NextAfterAuth(next)
	d := h.policy.Decide(target, access.Facts{Identity: snap.Identity, HasPaid: snap.HasPaid})
	if d.Action == access.ActionRedirect {
		return d.Location
	}
	return target
}
