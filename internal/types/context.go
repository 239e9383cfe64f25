package types

import (
	"context"
	"log/slog"
)

// Actor represents the authenticated browser session making a request.
type Actor struct {
	UserID    string
	Email     string
	SessionID string
}

// Identity returns the actor's identity.
func (a Actor) Identity() Identity {
	return Identity{ID: a.UserID, Email: a.Email}
}

// Context Keys
type contextKey string

const (
	actorKey       contextKey = "actor"
	requestIDKey   contextKey = "request_id"
	loggerKey      contextKey = "logger"
	sessionCSRFKey contextKey = "session_csrf_token"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() when middleware did not install one.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithSessionCSRFToken stores the session's CSRF token in the context.
// Set by the session middleware so the CSRF middleware can compare the
// X-CSRF-Token header against it.
func WithSessionCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionCSRFKey, token)
}

// GetSessionCSRFToken retrieves the session's CSRF token from the context.
func GetSessionCSRFToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(sessionCSRFKey).(string)
	return token, ok && token != ""
}
