package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"coursegate/internal/types"
)

const tokenIssuer = "coursegate"

// TokenPurpose scopes a signed token to one flow so a verification link
// cannot be replayed as a password reset.
type TokenPurpose string

const (
	PurposeVerifyEmail   TokenPurpose = "verify_email"
	PurposeResetPassword TokenPurpose = "reset_password"
	PurposeOAuthState    TokenPurpose = "oauth_state"
)

// TokenClaims are the claims carried by email and OAuth state tokens.
type TokenClaims struct {
	Purpose TokenPurpose `json:"purpose"`
	Email   string       `json:"email,omitempty"`
	// Next is the remembered path the user returns to after the flow.
	Next     string `json:"next,omitempty"`
	Provider string `json:"provider,omitempty"`
	// PasswordFingerprint binds a reset token to the password it replaces,
	// so the token stops working once used.
	PasswordFingerprint string `json:"pwf,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 tokens.
type TokenSigner struct {
	key   []byte
	clock types.Clock
}

// NewTokenSigner creates a signer over the SESSION_KEY secret.
func NewTokenSigner(key string, clock types.Clock) *TokenSigner {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &TokenSigner{key: []byte(key), clock: clock}
}

// Issue signs claims for subject with the given lifetime.
func (s *TokenSigner) Issue(subject string, claims TokenClaims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := s.clock.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and checks it was issued for purpose. Expired tokens
// yield auth_token_expired; every other failure is auth_token_invalid.
func (s *TokenSigner) Parse(purpose TokenPurpose, raw string) (*TokenClaims, error) {
	if raw == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "token is required", nil)
	}

	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", nil)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is invalid", err)
	}
	if !parsed.Valid || claims.Purpose != purpose || claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is invalid", nil)
	}
	return claims, nil
}

// PasswordFingerprint returns a short digest of a password hash.
func PasswordFingerprint(passwordHash string) string {
	h := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(h[:8])
}
