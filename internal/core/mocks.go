package core

import (
	"context"
	"sync"

	"coursegate/internal/types"
)

// MockAuthenticator implements Authenticator for tests. Sessions maps a
// cookie value to the identity it authenticates as; any other value
// returns Err, or not_found_session when Err is nil.
//
//	mock := &MockAuthenticator{Sessions: map[string]types.Identity{
//	    "sess_1": {ID: "usr_1", Email: "ada@example.com"},
//	}}
type MockAuthenticator struct {
	Sessions map[string]types.Identity
	// CSRFToken is returned on every resolved session.
	CSRFToken string
	Err       error

	mu    sync.Mutex
	Calls []string
}

func (m *MockAuthenticator) Authenticate(_ context.Context, sessionID string) (types.Identity, *types.Session, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, sessionID)
	m.mu.Unlock()

	if m.Err != nil {
		return types.Identity{}, nil, m.Err
	}
	identity, ok := m.Sessions[sessionID]
	if !ok {
		return types.Identity{}, nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
	}
	return identity, &types.Session{ID: sessionID, UserID: identity.ID, CSRFToken: m.CSRFToken}, nil
}

// CallCount returns the number of Authenticate calls.
func (m *MockAuthenticator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockRateLimitStore implements RateLimitStore with a fixed result.
type MockRateLimitStore struct {
	Result RateLimitResult

	mu   sync.Mutex
	Keys []string
}

func (m *MockRateLimitStore) Allow(key string) RateLimitResult {
	m.mu.Lock()
	m.Keys = append(m.Keys, key)
	m.mu.Unlock()
	return m.Result
}

// MockSecurityService implements types.SecurityService. IPs in BlockedIPs
// and identifiers in BlockedIdentifiers report as blocked.
type MockSecurityService struct {
	BlockedIPs         map[string]bool
	BlockedIdentifiers map[string]bool
	RecordAttemptErr   error

	mu               sync.Mutex
	RecordedAttempts []SecurityAttemptCall
}

// SecurityAttemptCall records one RecordAttempt invocation.
type SecurityAttemptCall struct {
	EventType  string
	Identifier string
	IP         string
	Success    bool
	Reason     string
}

func (m *MockSecurityService) RecordAttempt(_ context.Context, eventType, identifier, ip string, success bool, reason string) error {
	m.mu.Lock()
	m.RecordedAttempts = append(m.RecordedAttempts, SecurityAttemptCall{
		EventType:  eventType,
		Identifier: identifier,
		IP:         ip,
		Success:    success,
		Reason:     reason,
	})
	m.mu.Unlock()
	return m.RecordAttemptErr
}

func (m *MockSecurityService) IsIPBlocked(_ context.Context, ip string) bool {
	return m.BlockedIPs[ip]
}

func (m *MockSecurityService) IsIdentifierBlocked(_ context.Context, identifier string) bool {
	return m.BlockedIdentifiers[identifier]
}

// Attempts returns a copy of the recorded attempts.
func (m *MockSecurityService) Attempts() []SecurityAttemptCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SecurityAttemptCall(nil), m.RecordedAttempts...)
}

var (
	_ Authenticator         = (*MockAuthenticator)(nil)
	_ RateLimitStore        = (*MockRateLimitStore)(nil)
	_ types.SecurityService = (*MockSecurityService)(nil)
)
