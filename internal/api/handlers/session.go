package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"coursegate/internal/access"
	"coursegate/internal/core"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

// SessionHandler exposes the session's auth state and the access decision
// for a site path, so the client can guard its own navigation.
type SessionHandler struct {
	policy       *access.Policy
	readyTimeout time.Duration
	logger       *slog.Logger
}

// NewSessionHandler creates a SessionHandler. readyTimeout bounds how long
// an access check with wait=true blocks on a loading session.
func NewSessionHandler(policy *access.Policy, readyTimeout time.Duration, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		policy:       policy,
		readyTimeout: readyTimeout,
		logger:       logger,
	}
}

// RegisterRoutes mounts GET /session and GET /access.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/session", h.GetSession)
	r.Get("/access", h.GetAccess)
}

type sessionResponse struct {
	session.Snapshot
	CSRFToken string `json:"csrf_token,omitempty"`
}

// GetSession handles GET /session. The snapshot is returned as it stands;
// a loading session reports isLoading rather than blocking.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{Snapshot: session.FromContext(r.Context()).Snapshot()}
	if token, ok := types.GetSessionCSRFToken(r.Context()); ok {
		resp.CSRFToken = token
	}
	core.Data(w, r, http.StatusOK, resp)
}

// GetAccess handles GET /access?path=&wait=. Without wait a loading
// session yields the loading action; with wait=true the decision is made
// once the session resolves.
func (h *SessionHandler) GetAccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField, "path is required", nil,
			map[string]any{"field": "path"},
		))
		return
	}
	if access.SanitizeNext(path) == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPath, "path must be a site-relative path", nil,
			map[string]any{"field": "path"},
		))
		return
	}

	var wait time.Duration
	if ok, _ := strconv.ParseBool(q.Get("wait")); ok {
		wait = h.readyTimeout
	}

	d, err := core.Decide(r.Context(), h.policy, session.FromContext(r.Context()), path, wait)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.DebugContext(r.Context(), "access decided",
		"path", path,
		"action", d.Action,
		"reason", d.Reason,
	)
	core.Data(w, r, http.StatusOK, d)
}
