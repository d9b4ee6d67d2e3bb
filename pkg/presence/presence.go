// Package presence tracks which desktop helper instances are currently
// alive and the scope they last handshook with. It is a soft liveness cache
// for status display only: authorization is always re-derived from the
// capability token on every call, never from this registry.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/ohfixit/actiond/pkg/captoken"
)

// DefaultTTL is how long an entry stays live without a refreshing handshake.
const DefaultTTL = 90 * time.Second

// Key identifies one helper presence slot.
type Key struct {
	Actor      string
	ChatID     string
	ApprovalID string
}

// Entry is the recorded liveness state for a key.
type Entry struct {
	LastSeenAt time.Time
	Scope      captoken.Scope
	Claims     captoken.Claims
}

// Registry is an explicitly owned, process-local presence map with TTL
// eviction. Construct with NewRegistry and stop the janitor with Close.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	ttl     time.Duration
	clock   func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewRegistry creates a registry and starts its eviction janitor.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		entries: make(map[Key]Entry),
		ttl:     ttl,
		clock:   time.Now,
		done:    make(chan struct{}),
	}
	go r.janitor()
	return r
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

// Handshake registers or refreshes presence for the claims' identity and
// returns the effective scope the helper holds.
func (r *Registry) Handshake(ctx context.Context, claims *captoken.Claims) captoken.Scope {
	key := Key{Actor: claims.Actor(), ChatID: claims.ChatID, ApprovalID: claims.ApprovalID}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = Entry{
		LastSeenAt: r.clock(),
		Scope:      claims.Scope,
		Claims:     *claims,
	}
	return claims.Scope
}

// Lookup returns the live entry for a key, if any. Entries past the TTL are
// treated as absent even before the janitor removes them.
func (r *Registry) Lookup(key Key) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || r.clock().Sub(e.LastSeenAt) > r.ttl {
		return Entry{}, false
	}
	return e, true
}

// Len reports the number of entries currently held, stale included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep removes entries past the liveness TTL and returns how many went.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	n := 0
	for k, e := range r.entries {
		if now.Sub(e.LastSeenAt) > r.ttl {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Close stops the eviction janitor. Idempotent.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
