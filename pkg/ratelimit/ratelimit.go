// Package ratelimit provides per-actor request limiting with a local
// token-bucket store for single-process deployments and a Redis-backed store
// when several instances share the limit.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy describes the allowed request rate for one actor.
type Policy struct {
	RPM   int
	Burst int
}

// DefaultPolicy is applied when configuration gives no override.
var DefaultPolicy = Policy{RPM: 120, Burst: 30}

// Store answers whether an actor may spend cost tokens right now.
type Store interface {
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// LocalStore keeps one token bucket per actor in process memory.
type LocalStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalStore creates a local store and starts its stale-entry cleanup.
func NewLocalStore() *LocalStore {
	s := &LocalStore{visitors: make(map[string]*visitor)}
	go s.cleanup()
	return s
}

// Allow consumes cost tokens from the actor's bucket.
func (s *LocalStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	rps := rate.Limit(float64(policy.RPM) / 60.0)
	if rps <= 0 {
		rps = 1
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}

	s.mu.Lock()
	v, ok := s.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rps, burst)}
		s.visitors[actorID] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	s.mu.Unlock()

	return limiter.AllowN(time.Now(), cost), nil
}

// cleanup removes buckets idle for more than three minutes.
func (s *LocalStore) cleanup() {
	for {
		time.Sleep(time.Minute)
		s.mu.Lock()
		for id, v := range s.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(s.visitors, id)
			}
		}
		s.mu.Unlock()
	}
}
