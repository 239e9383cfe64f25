package core

import (
	"context"
	"time"

	"coursegate/internal/types"
)

// Authenticator decouples the HTTP layer from the identity provider,
// allowing for easy mocking in tests.
type Authenticator interface {
	// Authenticate resolves a session cookie value to its identity.
	//
	// Distinct Error Codes:
	// - ErrCodeNotFoundSession if no such session exists.
	// - ErrCodeAuthSessionExpired if the session has expired.
	Authenticate(ctx context.Context, sessionID string) (types.Identity, *types.Session, error)
}

// RateLimitStore abstracts the backing store for rate limiting.
type RateLimitStore interface {
	// Allow consumes one token for key and reports the outcome.
	Allow(key string) RateLimitResult
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is within the rate limit.
	Allowed bool
	// Limit is the bucket size.
	Limit int
	// Remaining is the number of whole tokens left after this request.
	Remaining int
	// RetryAfter is how long until a token is available when not allowed.
	RetryAfter time.Duration
}
