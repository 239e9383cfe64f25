package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// RateLimitInfo contains the current state of a rate limit.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// SecurityService provides unified security event tracking and IP-based blocking.
type SecurityService interface {
	// RecordAttempt logs a security event (login, signup, password_reset) for tracking.
	RecordAttempt(ctx context.Context, eventType string, identifier string, ip string, success bool, reason string) error

	// IsIPBlocked checks if an IP address should be blocked based on recent failed attempts.
	IsIPBlocked(ctx context.Context, ip string) bool

	// IsIdentifierBlocked checks if a specific identifier (e.g., email) should be blocked.
	IsIdentifierBlocked(ctx context.Context, identifier string) bool
}
