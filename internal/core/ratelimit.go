package core

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"coursegate/internal/types"
)

// keyLimiter is a token bucket plus the last time its key was seen.
type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryRateLimitStore keeps one token bucket per key in process memory.
// Idle buckets are evicted by Run.
type MemoryRateLimitStore struct {
	limit rate.Limit
	burst int
	clock types.Clock

	mu       sync.Mutex
	limiters map[string]*keyLimiter
}

// NewMemoryRateLimitStore allows perMinute requests per key with bursts up
// to burst.
func NewMemoryRateLimitStore(perMinute, burst int, clock types.Clock) *MemoryRateLimitStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryRateLimitStore{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		clock:    clock,
		limiters: make(map[string]*keyLimiter),
	}
}

// Allow implements RateLimitStore.
func (m *MemoryRateLimitStore) Allow(key string) RateLimitResult {
	now := m.clock.Now()

	m.mu.Lock()
	kl, ok := m.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[key] = kl
	}
	kl.lastSeen = now
	m.mu.Unlock()

	res := RateLimitResult{Limit: m.burst}
	if kl.limiter.AllowN(now, 1) {
		res.Allowed = true
		res.Remaining = int(math.Max(0, math.Floor(kl.limiter.TokensAt(now))))
		return res
	}
	res.RetryAfter = time.Duration(math.Ceil(float64(time.Second) / float64(m.limit)))
	return res
}

// Len returns the number of tracked keys.
func (m *MemoryRateLimitStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// Sweep drops buckets idle for longer than ttl.
func (m *MemoryRateLimitStore) Sweep(ttl time.Duration) int {
	cutoff := m.clock.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, kl := range m.limiters {
		if kl.lastSeen.Before(cutoff) {
			delete(m.limiters, key)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx ends. Buckets idle for two
// intervals are dropped.
func (m *MemoryRateLimitStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(2 * interval)
		}
	}
}
