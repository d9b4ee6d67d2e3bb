package captoken

import (
	"errors"
	"fmt"
)

// Scope bounds which server endpoints will accept a capability token.
// It is a closed enumeration: an execute-scoped token must be rejected by the
// report endpoint and vice versa; "both" is accepted everywhere a capability
// token is accepted.
type Scope string

const (
	ScopeExecute Scope = "execute"
	ScopeReport  Scope = "report"
	ScopeBoth    Scope = "both"
)

// DefaultScope is applied when a mint request carries no scope.
const DefaultScope = ScopeBoth

// ErrUnknownScope indicates a scope value outside the closed enumeration.
var ErrUnknownScope = errors.New("captoken: unknown scope")

// ParseScope validates a scope string, applying DefaultScope to the empty string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return DefaultScope, nil
	case ScopeExecute, ScopeReport, ScopeBoth:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
	}
}

// Allows reports whether a token with this scope may perform the required
// operation scope. "both" satisfies either operation.
func (s Scope) Allows(required Scope) bool {
	if s == ScopeBoth {
		return true
	}
	return s == required
}
