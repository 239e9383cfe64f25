package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegate/internal/types"
)

func TestTokenSigner_RoundTrip(t *testing.T) {
	clock := &mockClock{now: testNow()}
	signer := NewTokenSigner("test-key", clock)

	raw, err := signer.Issue("user_1", TokenClaims{
		Purpose: PurposeVerifyEmail,
		Email:   "ada@example.com",
		Next:    "/course/lessons/intro",
	}, time.Hour)
	require.NoError(t, err)

	claims, err := signer.Parse(PurposeVerifyEmail, raw)
	require.NoError(t, err)
	assert.Equal(t, "user_1", claims.Subject)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, "/course/lessons/intro", claims.Next)
}

func TestTokenSigner_Expired(t *testing.T) {
	clock := &mockClock{now: testNow()}
	signer := NewTokenSigner("test-key", clock)

	raw, err := signer.Issue("user_1", TokenClaims{Purpose: PurposeResetPassword}, time.Hour)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Hour)
	_, err = signer.Parse(PurposeResetPassword, raw)
	assert.True(t, types.IsCode(err, types.ErrCodeAuthTokenExpired), "got %v", err)
}

func TestTokenSigner_WrongPurpose(t *testing.T) {
	signer := NewTokenSigner("test-key", &mockClock{now: testNow()})

	raw, err := signer.Issue("user_1", TokenClaims{Purpose: PurposeVerifyEmail}, time.Hour)
	require.NoError(t, err)

	_, err = signer.Parse(PurposeResetPassword, raw)
	assert.True(t, types.IsCode(err, types.ErrCodeAuthTokenInvalid))
}

func TestTokenSigner_WrongKey(t *testing.T) {
	clock := &mockClock{now: testNow()}
	raw, err := NewTokenSigner("key-a", clock).Issue("user_1", TokenClaims{Purpose: PurposeOAuthState}, time.Minute)
	require.NoError(t, err)

	_, err = NewTokenSigner("key-b", clock).Parse(PurposeOAuthState, raw)
	assert.True(t, types.IsCode(err, types.ErrCodeAuthTokenInvalid))
}

func TestTokenSigner_RejectsOtherAlgorithms(t *testing.T) {
	clock := &mockClock{now: testNow()}
	claims := TokenClaims{
		Purpose: PurposeVerifyEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "user_1",
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenSigner("test-key", clock).Parse(PurposeVerifyEmail, raw)
	assert.True(t, types.IsCode(err, types.ErrCodeAuthTokenInvalid))
}

func TestTokenSigner_EmptyToken(t *testing.T) {
	_, err := NewTokenSigner("k", nil).Parse(PurposeVerifyEmail, "")
	assert.True(t, types.IsCode(err, types.ErrCodeAuthTokenMissing))
}

func TestPasswordFingerprint(t *testing.T) {
	a := PasswordFingerprint("$2a$12$one")
	assert.Len(t, a, 16)
	assert.Equal(t, a, PasswordFingerprint("$2a$12$one"))
	assert.NotEqual(t, a, PasswordFingerprint("$2a$12$two"))
}
