package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket smooths calls per key: Limit tokens refill evenly over
// Window and up to Limit may be spent in a burst.
type TokenBucket struct {
	every rate.Limit
	burst int
	now   Clock

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucket creates a per-key token bucket limiter. A nil clock
// uses time.Now.
func NewTokenBucket(limit int, window time.Duration, now Clock) (*TokenBucket, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidConfig
	}
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		every:    rate.Limit(float64(limit) / window.Seconds()),
		burst:    limit,
		now:      now,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func (b *TokenBucket) limiterFor(key string) *rate.Limiter {
	b.mu.RLock()
	lim, ok := b.limiters[key]
	b.mu.RUnlock()
	if ok {
		return lim
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if lim, ok = b.limiters[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(b.every, b.burst)
	b.limiters[key] = lim
	return lim
}

// Allow implements Limiter.
func (b *TokenBucket) Allow(_ context.Context, key string) (Decision, error) {
	now := b.now()
	lim := b.limiterFor(key)

	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)

	d := Decision{Allowed: allowed, Remaining: max(int(tokens), 0), ResetAt: now}
	if tokens < 1 {
		wait := time.Duration((1 - tokens) / float64(b.every) * float64(time.Second))
		d.ResetAt = now.Add(wait)
	}
	return d, nil
}

// Reset implements Limiter.
func (b *TokenBucket) Reset(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.limiters, key)
	b.mu.Unlock()
	return nil
}
