package captoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	signed, err := svc.Issue(Claims{
		ChatID:     "chat-1",
		UserID:     "user-1",
		ActionID:   "flush-dns-macos",
		ApprovalID: "approval-1",
		Scope:      ScopeExecute,
	}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := svc.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "chat-1", claims.ChatID)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "flush-dns-macos", claims.ActionID)
	assert.Equal(t, "approval-1", claims.ApprovalID)
	assert.Equal(t, ScopeExecute, claims.Scope)
	assert.Equal(t, "user-1", claims.Actor())
	assert.Equal(t, Issuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestIssueDefaultsScope(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	signed, err := svc.Issue(Claims{AnonymousID: "anon-1"}, time.Minute)
	require.NoError(t, err)

	claims, err := svc.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, ScopeBoth, claims.Scope)
	assert.Equal(t, "anon-1", claims.Actor())
}

func TestIssueRequiresIdentity(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	_, err = svc.Issue(Claims{ActionID: "flush-dns-macos"}, time.Minute)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestIssueRejectsUnknownScope(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	_, err = svc.Issue(Claims{UserID: "user-1", Scope: Scope("admin")}, time.Minute)
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService("test-secret")
	require.NoError(t, err)
	svc.WithClock(func() time.Time { return now })

	signed, err := svc.Issue(Claims{UserID: "user-1"}, time.Second)
	require.NoError(t, err)

	// Still valid at issue time.
	_, err = svc.Verify(signed)
	require.NoError(t, err)

	svc.WithClock(func() time.Time { return now.Add(2 * time.Second) })
	_, err = svc.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer, err := NewService("secret-a")
	require.NoError(t, err)
	verifier, err := NewService("secret-b")
	require.NoError(t, err)

	signed, err := issuer.Issue(Claims{UserID: "user-1"}, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuerOrAudience(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	now := time.Now()
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		UserID: "user-1",
		Scope:  ScopeBoth,
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	_, err = svc.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService("")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{"", ScopeBoth, false},
		{"execute", ScopeExecute, false},
		{"report", ScopeReport, false},
		{"both", ScopeBoth, false},
		{"admin", "", true},
		{"EXECUTE", "", true},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownScope, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestScopeAllows(t *testing.T) {
	assert.True(t, ScopeBoth.Allows(ScopeExecute))
	assert.True(t, ScopeBoth.Allows(ScopeReport))
	assert.True(t, ScopeExecute.Allows(ScopeExecute))
	assert.False(t, ScopeExecute.Allows(ScopeReport))
	assert.False(t, ScopeReport.Allows(ScopeExecute))
}
