package translation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no permit became available within the wait bound
var ErrRateLimited = errors.New("translation rate limit exceeded")

// Limiter is a process-wide token bucket in front of the translation provider
type Limiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewLimiter allows limit calls per window with a burst of limit.
// Acquire waits at most maxWait for a token.
func NewLimiter(limit int, window, maxWait time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	every := rate.Limit(float64(limit) / window.Seconds())
	return &Limiter{
		limiter: rate.NewLimiter(every, limit),
		maxWait: maxWait,
	}
}

// Acquire takes one permit. It returns at once when a token is available,
// otherwise waits up to maxWait. A failed Acquire consumes nothing.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.limiter.Allow() {
		return nil
	}
	if l.maxWait <= 0 {
		return ErrRateLimited
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrRateLimited, ctx.Err())
		}
		return ErrRateLimited
	}
	return nil
}

// Tokens reports the tokens currently available, for tests and debugging
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}
