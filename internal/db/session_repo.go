package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"coursegate/internal/types"
)

// SessionRepository provides data access for the sessions table.
type SessionRepository struct {
	db DBTX
}

func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new browser session.
func (r *SessionRepository) Create(ctx context.Context, s *types.Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, csrf_token, ip_address, user_agent, expires_at, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.CSRFToken, s.IPAddress, s.UserAgent, s.ExpiresAt, s.LastActivityAt, s.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create session", err)
	}
	return nil
}

// GetByID retrieves a session. Expiry is checked by the caller.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*types.Session, error) {
	var s types.Session
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, csrf_token, ip_address, user_agent, expires_at, last_activity_at, created_at
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.UserID, &s.CSRFToken, &s.IPAddress, &s.UserAgent, &s.ExpiresAt, &s.LastActivityAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve session", err)
	}
	return &s, nil
}

// Touch slides the session's last activity forward.
func (r *SessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch session", err)
	}
	return nil
}

// Delete removes a session. Deleting an absent session is not an error.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete session", err)
	}
	return nil
}

// DeleteByUser removes every session of a user, returning the number removed.
func (r *SessionRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete user sessions", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired prunes sessions that expired before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired sessions", err)
	}
	return tag.RowsAffected(), nil
}
