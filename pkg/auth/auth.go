// Package auth identifies the human on the other side of the chat: a signed
// session token for registered users, or a caller-supplied anonymous id.
// Capability tokens for the desktop helper live in pkg/captoken; this package
// only covers the human-facing endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoPrincipal indicates a request reached a session-requiring handler
// without an authenticated identity.
var ErrNoPrincipal = errors.New("auth: no principal in context")

// ErrInvalidSession covers signature mismatch and expiry on session tokens.
var ErrInvalidSession = errors.New("auth: invalid session token")

// Principal is the acting human identity. Exactly one of UserID/AnonymousID
// is set.
type Principal struct {
	UserID      string
	AnonymousID string
}

// Actor returns the stable identity string (user id wins over anonymous id).
func (p Principal) Actor() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.AnonymousID
}

// Anonymous reports whether this principal is an anonymous visitor.
func (p Principal) Anonymous() bool {
	return p.UserID == ""
}

type principalKey struct{}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// SessionClaims is the JWT payload of a human session token.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// SessionValidator validates human session tokens signed with the session
// secret (distinct from the capability token secret).
type SessionValidator struct {
	secret []byte
	clock  func() time.Time
}

// NewSessionValidator creates a validator; fails closed on an empty secret.
func NewSessionValidator(secret string) (*SessionValidator, error) {
	if secret == "" {
		return nil, errors.New("auth: session secret is not configured")
	}
	return &SessionValidator{secret: []byte(secret), clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *SessionValidator) WithClock(clock func() time.Time) *SessionValidator {
	v.clock = clock
	return v
}

// Validate parses a session token and returns the authenticated user id.
func (v *SessionValidator) Validate(tokenStr string) (string, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidSession)
	}
	return claims.Subject, nil
}
