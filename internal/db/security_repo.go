package db

import (
	"context"
	"time"

	"coursegate/internal/types"
)

// SecurityRepository provides data access for the security_events table,
// the ledger behind brute-force protection on sign-in, sign-up and password
// reset.
type SecurityRepository struct {
	db DBTX
}

func NewSecurityRepository(db DBTX) *SecurityRepository {
	return &SecurityRepository{db: db}
}

// LogAttempt records a single security event.
func (r *SecurityRepository) LogAttempt(ctx context.Context, event *types.SecurityEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO security_events (event_type, identifier, ip_address, attempted_at, success, failure_reason)
		 VALUES ($1, $2, $3, COALESCE($4, NOW()), $5, $6)`,
		event.EventType,
		nilIfEmpty(event.Identifier),
		event.IPAddress,
		nilIfZeroTime(event.AttemptedAt),
		event.Success,
		nilIfEmpty(event.FailureReason),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to log security event", err)
	}
	return nil
}

// CountRecentFailuresByIP counts failed attempts of any type from ip since the given time.
func (r *SecurityRepository) CountRecentFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_events
		 WHERE ip_address = $1 AND success = false AND attempted_at > $2`,
		ip, since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count IP failures", err)
	}
	return count, nil
}

// CountRecentFailuresByIdentifier counts failed sign-in attempts for an email.
func (r *SecurityRepository) CountRecentFailuresByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_events
		 WHERE identifier = $1 AND event_type = 'login' AND success = false AND attempted_at > $2`,
		identifier, since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count identifier failures", err)
	}
	return count, nil
}

// DeleteBefore prunes events older than cutoff and returns the number removed.
func (r *SecurityRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM security_events WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune security events", err)
	}
	return tag.RowsAffected(), nil
}
