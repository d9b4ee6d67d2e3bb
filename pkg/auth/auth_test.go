package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signSession(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestPrincipalActor(t *testing.T) {
	assert.Equal(t, "user-1", Principal{UserID: "user-1", AnonymousID: "anon-1"}.Actor())
	assert.Equal(t, "anon-1", Principal{AnonymousID: "anon-1"}.Actor())
	assert.True(t, Principal{AnonymousID: "anon-1"}.Anonymous())
	assert.False(t, Principal{UserID: "user-1"}.Anonymous())
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{UserID: "user-1"})
	p, err := GetPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)

	_, err = GetPrincipal(context.Background())
	assert.ErrorIs(t, err, ErrNoPrincipal)
}

func TestSessionValidatorValidate(t *testing.T) {
	v, err := NewSessionValidator("session-secret")
	require.NoError(t, err)

	now := time.Now()
	token := signSession(t, "session-secret", jwt.RegisteredClaims{
		Subject:   "user-9",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})

	userID, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", userID)
}

func TestSessionValidatorRejections(t *testing.T) {
	v, err := NewSessionValidator("session-secret")
	require.NoError(t, err)
	now := time.Now()

	expired := signSession(t, "session-secret", jwt.RegisteredClaims{
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	})
	_, err = v.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidSession)

	wrongSecret := signSession(t, "other-secret", jwt.RegisteredClaims{
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	_, err = v.Validate(wrongSecret)
	assert.ErrorIs(t, err, ErrInvalidSession)

	noSubject := signSession(t, "session-secret", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	_, err = v.Validate(noSubject)
	assert.ErrorIs(t, err, ErrInvalidSession)

	noExpiry := signSession(t, "session-secret", jwt.RegisteredClaims{Subject: "user-9"})
	_, err = v.Validate(noExpiry)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestNewSessionValidatorRequiresSecret(t *testing.T) {
	_, err := NewSessionValidator("")
	assert.Error(t, err)
}
