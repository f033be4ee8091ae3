// Package ratelimit throttles outbound backend calls. Every Limiter
// reports when its window resets so callers can tell users how long to
// wait instead of retrying blindly.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidConfig is returned by constructors given a non-positive
// limit or window.
var ErrInvalidConfig = errors.New("ratelimit: limit and window must be positive")

// Decision is the outcome of one Allow call.
type Decision struct {
	// Allowed is true when the call may proceed. An allowed call has
	// already been counted against the window.
	Allowed bool
	// Remaining is the number of calls still permitted before ResetAt.
	Remaining int
	// ResetAt is when the window resets (fixed windows) or the next
	// token becomes available (token bucket).
	ResetAt time.Time
}

// Limiter decides whether a keyed call may proceed.
type Limiter interface {
	// Allow counts one call against key and reports the decision.
	Allow(ctx context.Context, key string) (Decision, error)
	// Reset clears all accounting for key.
	Reset(ctx context.Context, key string) error
}

// Clock returns the current time. Limiters take one so tests can
// advance time without sleeping.
type Clock func() time.Time
