package ratelimit

import (
	"context"
	"sync"
	"time"
)

// FixedWindow allows Limit calls per key in each Window, starting the
// window at the first call after the previous one expired. State lives
// in process memory.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    Clock

	mu      sync.Mutex
	buckets map[string]*windowState
}

type windowState struct {
	start time.Time
	count int
}

// NewFixedWindow creates an in-memory fixed window limiter. A nil
// clock uses time.Now.
func NewFixedWindow(limit int, window time.Duration, now Clock) (*FixedWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidConfig
	}
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{
		limit:   limit,
		window:  window,
		now:     now,
		buckets: make(map[string]*windowState),
	}, nil
}

// Allow implements Limiter.
func (f *FixedWindow) Allow(_ context.Context, key string) (Decision, error) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.buckets[key]
	if !ok || !now.Before(st.start.Add(f.window)) {
		st = &windowState{start: now}
		f.buckets[key] = st
	}

	return decide(st.count, f.limit, st.start.Add(f.window), func() { st.count++ }), nil
}

// Reset implements Limiter.
func (f *FixedWindow) Reset(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.buckets, key)
	f.mu.Unlock()
	return nil
}

// decide applies the fixed-window rule given the calls already counted.
// consume is invoked only when the call is allowed.
func decide(count, limit int, resetAt time.Time, consume func()) Decision {
	if count >= limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	consume()
	return Decision{Allowed: true, Remaining: limit - count - 1, ResetAt: resetAt}
}
