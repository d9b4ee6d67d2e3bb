// Package captoken issues and verifies the short-lived capability tokens
// that authorize the desktop helper's calls back into the server.
//
// A capability token is the sole basis for authorizing the helper: it is
// self-contained (HS256 JWT), narrowly scoped to one action and one approval,
// and never persisted server-side. Validity is entirely a function of the
// signature and expiry.
package captoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer is the fixed JWT issuer for all capability tokens.
	Issuer = "ohfixit-actiond"
	// Audience is the fixed JWT audience (the desktop helper).
	Audience = "ohfixit-helper"
	// DefaultTTL bounds a token's lifetime when the caller does not specify one.
	DefaultTTL = 600 * time.Second
)

var (
	// ErrNoSecret indicates the signing secret was absent at construction.
	ErrNoSecret = errors.New("captoken: signing secret is not configured")
	// ErrInvalidToken covers signature mismatch, issuer/audience mismatch and expiry.
	ErrInvalidToken = errors.New("captoken: invalid token")
	// ErrMalformedToken indicates the payload lacks the minimum claim shape.
	ErrMalformedToken = errors.New("captoken: malformed token payload")
)

// Claims are the capability claims carried by a token. Exactly one of
// UserID/AnonymousID is expected to be set; ActionID and ApprovalID bind the
// token to a single remediation instance when present.
type Claims struct {
	jwt.RegisteredClaims
	ChatID      string `json:"chat_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	AnonymousID string `json:"anonymous_id,omitempty"`
	ActionID    string `json:"action_id,omitempty"`
	ApprovalID  string `json:"approval_id,omitempty"`
	Scope       Scope  `json:"scope"`
}

// Actor returns the stable identity behind the claims (user id wins over
// anonymous id).
func (c *Claims) Actor() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.AnonymousID
}

// Service signs and verifies capability tokens with a single server-held secret.
type Service struct {
	secret []byte
	clock  func() time.Time
}

// NewService creates a token service. It fails closed when the secret is empty.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Service{secret: []byte(secret), clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Issue mints a signed capability token for the given claims. The scope is
// validated and defaulted before signing; ttl <= 0 falls back to DefaultTTL.
func (s *Service) Issue(claims Claims, ttl time.Duration) (string, error) {
	scope, err := ParseScope(string(claims.Scope))
	if err != nil {
		return "", err
	}
	claims.Scope = scope

	if claims.UserID == "" && claims.AnonymousID == "" {
		return "", fmt.Errorf("%w: no user or anonymous identity", ErrMalformedToken)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clock()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    Issuer,
		Audience:  jwt.ClaimStrings{Audience},
		Subject:   claims.Actor(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("captoken: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a compact token string and returns its claims.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	// Minimum shape: a scope and at least one actor identity.
	if _, err := ParseScope(string(claims.Scope)); err != nil || claims.Scope == "" {
		return nil, fmt.Errorf("%w: missing or unknown scope", ErrMalformedToken)
	}
	if claims.Actor() == "" {
		return nil, fmt.Errorf("%w: no actor identity", ErrMalformedToken)
	}
	return claims, nil
}
