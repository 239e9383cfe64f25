// Package auth is the identity provider for coursegate: accounts, browser
// sessions, OAuth sign-in, email verification, password reset and
// brute-force protection.
package auth

import (
	"context"
	"log/slog"
	"time"

	"coursegate/internal/types"
)

// Security event types recorded in security_events.
const (
	EventSignIn        = "signin"
	EventSignUp        = "signup"
	EventPasswordReset = "password_reset"
)

// SecurityConfig holds the thresholds for brute force protection.
type SecurityConfig struct {
	// IPBlockThreshold is the number of failures from one IP within the
	// window before the IP is blocked.
	IPBlockThreshold int

	// IdentifierBlockThreshold is the number of failures for one email
	// within the window before the email is blocked.
	IdentifierBlockThreshold int

	WindowDuration time.Duration
}

// DefaultSecurityConfig returns the default thresholds.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		IPBlockThreshold:         100,
		IdentifierBlockThreshold: 5,
		WindowDuration:           15 * time.Minute,
	}
}

// SecurityRepo is the persistence needed by the security service.
type SecurityRepo interface {
	LogAttempt(ctx context.Context, event *types.SecurityEvent) error
	CountRecentFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountRecentFailuresByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error)
}

type securityService struct {
	repo   SecurityRepo
	config SecurityConfig
	clock  types.Clock
	logger *slog.Logger
}

// NewSecurityService creates a types.SecurityService backed by repo.
func NewSecurityService(repo SecurityRepo, config SecurityConfig, clock types.Clock, logger *slog.Logger) types.SecurityService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &securityService{
		repo:   repo,
		config: config,
		clock:  clock,
		logger: logger,
	}
}

func (s *securityService) RecordAttempt(ctx context.Context, eventType string, identifier string, ip string, success bool, reason string) error {
	event := &types.SecurityEvent{
		EventType:     eventType,
		Identifier:    identifier,
		IPAddress:     ip,
		AttemptedAt:   s.clock.Now(),
		Success:       success,
		FailureReason: reason,
	}

	if err := s.repo.LogAttempt(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to record security attempt",
			"event_type", eventType,
			"identifier", identifier,
			"ip", ip,
			"error", err,
		)
		return err
	}
	return nil
}

// IsIPBlocked fails open when the count query fails.
func (s *securityService) IsIPBlocked(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	since := s.clock.Now().Add(-s.config.WindowDuration)
	count, err := s.repo.CountRecentFailuresByIP(ctx, ip, since)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check IP block status",
			"ip", ip,
			"error", err,
		)
		return false
	}
	return count >= s.config.IPBlockThreshold
}

// IsIdentifierBlocked fails open when the count query fails.
func (s *securityService) IsIdentifierBlocked(ctx context.Context, identifier string) bool {
	since := s.clock.Now().Add(-s.config.WindowDuration)
	count, err := s.repo.CountRecentFailuresByIdentifier(ctx, identifier, since)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check identifier block status",
			"identifier", identifier,
			"error", err,
		)
		return false
	}
	return count >= s.config.IdentifierBlockThreshold
}

// BruteForceProtector is the lockout API used by the auth flows.
type BruteForceProtector struct {
	security types.SecurityService
}

// NewBruteForceProtector wraps a SecurityService.
func NewBruteForceProtector(security types.SecurityService) *BruteForceProtector {
	return &BruteForceProtector{security: security}
}

// Check returns an auth_rate_limited error when either the identifier or
// the IP is blocked. An empty identifier checks the IP only.
func (b *BruteForceProtector) Check(ctx context.Context, identifier, ip string) error {
	if identifier != "" && b.security.IsIdentifierBlocked(ctx, identifier) {
		return types.NewAppError(types.ErrCodeAuthRateLimited, "too many attempts; try again later", nil)
	}
	if b.security.IsIPBlocked(ctx, ip) {
		return types.NewAppError(types.ErrCodeAuthRateLimited, "too many attempts; try again later", nil)
	}
	return nil
}

// Record logs an attempt. Recording failures are logged by the service and
// never fail the calling flow.
func (b *BruteForceProtector) Record(ctx context.Context, eventType, identifier, ip string, success bool, reason string) {
	_ = b.security.RecordAttempt(ctx, eventType, identifier, ip, success, reason)
}
