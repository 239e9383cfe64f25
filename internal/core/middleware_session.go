package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"coursegate/internal/access"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

const defaultReadyTimeout = 5 * time.Second

// SessionMiddleware resolves the session cookie to a session.Store and
// attaches it to the request context, together with the Actor and the
// session's CSRF token. Requests without a valid cookie get a resolved
// anonymous store; an invalid cookie is cleared and its store dropped.
//
// The first request to see a session ID restores its identity and
// entitlement. Concurrent requests for the same session observe the store
// as loading until that finishes. An entitlement left unpaid by a failed
// check is recomputed on the next request.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		anonymous := func() {
			next.ServeHTTP(w, r.WithContext(session.WithStore(ctx, session.Anonymous())))
		}

		if s.Authenticator == nil || s.Sessions == nil {
			anonymous()
			return
		}

		sid := SessionIDFromRequest(r)
		if sid == "" {
			anonymous()
			return
		}

		identity, sess, err := s.Authenticator.Authenticate(ctx, sid)
		if err != nil {
			if isSessionGone(err) {
				s.Sessions.SignOut(sid)
				ClearSessionCookie(w, s.secureCookies())
				anonymous()
				return
			}
			Error(w, r, err)
			return
		}

		st, created := s.Sessions.GetOrCreate(sid)
		switch {
		case created || s.needsRestore(st, identity):
			s.restore(ctx, st, identity)
		case st.NeedsRecheck():
			s.recheck(ctx, st, identity)
		}

		ctx = session.WithStore(ctx, st)
		ctx = types.WithActor(ctx, types.Actor{UserID: identity.ID, Email: identity.Email, SessionID: sid})
		ctx = types.WithSessionCSRFToken(ctx, sess.CSRFToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// needsRestore reports whether a resolved store no longer matches the
// identity the cookie authenticates as, e.g. after an idle eviction raced
// a sign-out.
func (s *Server) needsRestore(st *session.Store, identity types.Identity) bool {
	snap := st.Snapshot()
	if snap.IsLoading {
		return false
	}
	return snap.Identity == nil || snap.Identity.ID != identity.ID
}

// restore resolves st for identity. It is detached from the request's
// cancellation so an aborted request cannot leave the store resolved as
// unpaid, but bounded by the ready timeout.
func (s *Server) restore(ctx context.Context, st *session.Store, identity types.Identity) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.readyTimeout())
	defer cancel()

	if err := st.Restore(rctx, &identity); err != nil {
		types.LoggerFromContext(ctx).Warn("entitlement check failed during restore",
			slog.String("user_id", identity.ID),
			slog.Any("error", err),
		)
	}
}

// recheck recomputes an entitlement that a failed check left unpaid. The
// store stays resolved meanwhile, so concurrent requests are not blocked.
func (s *Server) recheck(ctx context.Context, st *session.Store, identity types.Identity) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.readyTimeout())
	defer cancel()

	if err := st.Refresh(rctx); err != nil {
		types.LoggerFromContext(ctx).Warn("entitlement recheck failed",
			slog.String("user_id", identity.ID),
			slog.Any("error", err),
		)
	}
}

// RequireAccess guards an API route with the access policy. target maps the
// request to the site path it serves; the decision for that path decides
// whether the handler runs. A loading session is waited on for at most the
// ready timeout.
func (s *Server) RequireAccess(target func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Policy == nil {
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "access policy not configured", nil))
				return
			}

			path := target(r)
			d, err := Decide(r.Context(), s.Policy, session.FromContext(r.Context()), path, s.readyTimeout())
			if err != nil {
				Error(w, r, err)
				return
			}

			if d.Action == access.ActionRedirect && d.Reason != access.ReasonAlreadyPaid {
				types.LoggerFromContext(r.Context()).Info("access denied",
					slog.String("target", path),
					slog.String("reason", d.Reason),
				)
				Error(w, r, DecisionError(d))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Decide evaluates target against st. When the store is loading and wait
// is positive, it blocks until the store is ready, wait elapses or ctx
// ends, and decides again. A store that never resolves yields
// ErrCodeSessionNotReady.
func Decide(ctx context.Context, p *access.Policy, st *session.Store, target string, wait time.Duration) (access.Decision, error) {
	d := p.Decide(target, facts(st.Snapshot()))
	if d.Action != access.ActionLoading || wait <= 0 {
		return d, nil
	}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	snap, err := st.WaitReady(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return d, types.NewAppError(types.ErrCodeSessionNotReady, "session state is still loading", err)
		}
		return d, err
	}
	return p.Decide(target, facts(snap)), nil
}

// DecisionError converts a redirect decision into the API error a client
// receives in place of a browser redirect.
func DecisionError(d access.Decision) *types.AppError {
	details := map[string]any{
		"location": d.Location,
		"reason":   d.Reason,
	}
	if d.Reason == access.ReasonNotPaid {
		return types.NewAppErrorWithDetails(types.ErrCodePermissionNotPaid, "payment required", nil, details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeAuthNotAuthenticated, "sign in to continue", nil, details)
}

func facts(snap session.Snapshot) access.Facts {
	return access.Facts{
		Identity:  snap.Identity,
		HasPaid:   snap.HasPaid,
		IsLoading: snap.IsLoading,
	}
}

func isSessionGone(err error) bool {
	return types.IsCode(err, types.ErrCodeNotFoundSession) ||
		types.IsCode(err, types.ErrCodeAuthSessionExpired) ||
		types.IsCode(err, types.ErrCodeNotFoundUser)
}

func (s *Server) readyTimeout() time.Duration {
	if s.Config != nil && s.Config.Access.ReadyTimeout > 0 {
		return s.Config.Access.ReadyTimeout
	}
	return defaultReadyTimeout
}

func (s *Server) secureCookies() bool {
	return s.Config == nil || !s.Config.IsLocal()
}
