package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coursegate/internal/types"
)

// SessionCookieName is the browser cookie carrying the session ID.
const SessionCookieName = "session_id"

// SessionConfig holds configuration for browser sessions.
type SessionConfig struct {
	// SessionDuration is the lifetime of a new session.
	SessionDuration time.Duration

	// TouchInterval throttles last_activity_at writes.
	TouchInterval time.Duration
}

// DefaultSessionConfig returns a 7 day session lifetime.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SessionDuration: 7 * 24 * time.Hour,
		TouchInterval:   time.Minute,
	}
}

// SessionRepo is the persistence needed by SessionService.
type SessionRepo interface {
	Create(ctx context.Context, session *types.Session) error
	GetByID(ctx context.Context, id string) (*types.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenGenerator abstracts entropy sources for testability.
type TokenGenerator interface {
	GenerateSessionID() (string, error)
	GenerateCSRF() (string, error)
}

// SessionService manages persisted browser sessions.
type SessionService struct {
	repo     SessionRepo
	tokenGen TokenGenerator
	config   SessionConfig
	clock    types.Clock
	logger   *slog.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(
	repo SessionRepo,
	tokenGen TokenGenerator,
	config SessionConfig,
	clock types.Clock,
	logger *slog.Logger,
) *SessionService {
	if tokenGen == nil {
		tokenGen = NewCryptoTokenGenerator()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		repo:     repo,
		tokenGen: tokenGen,
		config:   config,
		clock:    clock,
		logger:   logger,
	}
}

// CreateSession generates a session ID and CSRF token and persists the
// session.
func (s *SessionService) CreateSession(ctx context.Context, userID, ip, userAgent string) (*types.Session, error) {
	sessionID, err := s.tokenGen.GenerateSessionID()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate session ID", err)
	}

	csrfToken, err := s.tokenGen.GenerateCSRF()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate CSRF token", err)
	}

	now := s.clock.Now()
	session := &types.Session{
		ID:             sessionID,
		UserID:         userID,
		CSRFToken:      csrfToken,
		IPAddress:      ip,
		UserAgent:      userAgent,
		ExpiresAt:      now.Add(s.config.SessionDuration),
		LastActivityAt: now,
		CreatedAt:      now,
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "session created", "user_id", userID)

	return session, nil
}

// ValidateSession returns the session when it exists and has not expired.
// Activity is recorded at most once per TouchInterval, best-effort.
func (s *SessionService) ValidateSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if now.After(session.ExpiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session has expired", nil)
	}

	if now.Sub(session.LastActivityAt) >= s.config.TouchInterval {
		if err := s.repo.Touch(ctx, sessionID, now); err != nil {
			s.logger.WarnContext(ctx, "failed to touch session", "error", err)
		} else {
			session.LastActivityAt = now
		}
	}

	return session, nil
}

// ValidateCSRF compares token to the session's CSRF token in constant time.
func (s *SessionService) ValidateCSRF(session *types.Session, token string) error {
	if session == nil {
		return types.NewAppError(types.ErrCodeAuthSessionExpired, "no session provided", nil)
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) != 1 {
		return types.NewAppError(types.ErrCodeAuthCSRFInvalid, "invalid CSRF token", nil)
	}
	return nil
}

// InvalidateSession hard-deletes a single session.
func (s *SessionService) InvalidateSession(ctx context.Context, sessionID string) error {
	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "session invalidated")
	return nil
}

// InvalidateAllUserSessions removes every session of a user.
func (s *SessionService) InvalidateAllUserSessions(ctx context.Context, userID string) error {
	n, err := s.repo.DeleteByUser(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "all sessions invalidated for user", "user_id", userID, "count", n)
	return nil
}

// PurgeExpired deletes sessions past their expiry.
func (s *SessionService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.clock.Now())
}

func (s *SessionService) withRepo(repo SessionRepo) *SessionService {
	return &SessionService{
		repo:     repo,
		tokenGen: s.tokenGen,
		config:   s.config,
		clock:    s.clock,
		logger:   s.logger,
	}
}

// CryptoTokenGenerator generates tokens from crypto/rand.
type CryptoTokenGenerator struct {
	SessionIDPrefix string
}

// NewCryptoTokenGenerator creates a generator with the "sess_" prefix.
func NewCryptoTokenGenerator() *CryptoTokenGenerator {
	return &CryptoTokenGenerator{SessionIDPrefix: "sess_"}
}

// GenerateSessionID returns the prefix followed by 64 hex chars.
func (g *CryptoTokenGenerator) GenerateSessionID() (string, error) {
	b, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate session ID: %w", err)
	}
	return g.SessionIDPrefix + b, nil
}

// GenerateCSRF returns 64 hex chars.
func (g *CryptoTokenGenerator) GenerateCSRF() (string, error) {
	b, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate CSRF token: %w", err)
	}
	return b, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CanonicalizeEmail normalizes email addresses for lookups.
func CanonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
