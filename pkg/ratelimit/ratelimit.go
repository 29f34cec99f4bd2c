// Package ratelimit provides token-bucket limiter stores keyed by producer.
// InMemoryStore serves single-instance deployments; RedisStore shares buckets
// across instances.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Check when the key has no tokens left.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Policy is a token bucket: RPS tokens per second, at most Burst banked.
type Policy struct {
	RPS   float64
	Burst int
}

func (p Policy) normalized() Policy {
	if p.RPS <= 0 {
		p.RPS = 1
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	return p
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow reports whether key may spend cost tokens under policy.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// Check spends one token for key. A nil store fails closed.
func Check(ctx context.Context, store Store, key string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("ratelimit: no store configured")
	}
	allowed, err := store.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrLimited, key)
	}
	return nil
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InMemoryStore keeps one rate.Limiter per key.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
}

// WithClock overrides the store clock.
func (s *InMemoryStore) WithClock(clock func() time.Time) *InMemoryStore {
	s.clock = clock
	return s
}

// Allow implements Store. A bucket's policy is fixed when the key is first
// seen.
func (s *InMemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		p := policy.normalized()
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(p.RPS), p.Burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, cost), nil
}

// Sweep drops buckets idle for longer than idle and returns how many were
// removed.
func (s *InMemoryStore) Sweep(idle time.Duration) int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *InMemoryStore) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(idle)
		}
	}
}
