package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/planwright/internal/ratelimit"
)

// Throttled gates a backend behind a rate limiter keyed by model.
// Refused calls fail fast with ErrRateLimited; they never queue.
type Throttled struct {
	next    Backend
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

// NewThrottled wraps next with limiter.
func NewThrottled(next Backend, limiter ratelimit.Limiter, logger *slog.Logger) *Throttled {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttled{next: next, limiter: limiter, logger: logger}
}

// Complete consults the limiter before forwarding.
func (t *Throttled) Complete(ctx context.Context, req *Request) (*Response, error) {
	d, err := t.limiter.Allow(ctx, req.Model)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !d.Allowed {
		wait := time.Until(d.ResetAt).Round(time.Second)
		t.logger.Warn("backend call throttled", "model", req.Model, "reset_in", wait)
		return nil, fmt.Errorf("%w: model %s, window resets in %s", ErrRateLimited, req.Model, wait)
	}
	return t.next.Complete(ctx, req)
}

// Ping is not rate limited.
func (t *Throttled) Ping(ctx context.Context) error {
	return t.next.Ping(ctx)
}
