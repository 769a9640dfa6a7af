package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimiter bounds the number of in-flight remote calls and enforces a
// minimum spacing between the starts of consecutive calls.
//
// Waiting callers acquire a slot in arrival order; the spacing token is taken
// after the slot so a call never starts sooner than minSpacing after the
// previous one began.
type RateLimiter struct {
	slots         *semaphore.Weighted
	spacing       *rate.Limiter
	maxConcurrent int
	minSpacing    time.Duration

	inFlight atomic.Int64
	total    atomic.Uint64
}

// NewRateLimiter creates a limiter. maxConcurrent below 1 is treated as 1.
func NewRateLimiter(maxConcurrent int, minSpacing time.Duration) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	limit := rate.Inf
	if minSpacing > 0 {
		limit = rate.Every(minSpacing)
	}

	return &RateLimiter{
		slots:         semaphore.NewWeighted(int64(maxConcurrent)),
		spacing:       rate.NewLimiter(limit, 1),
		maxConcurrent: maxConcurrent,
		minSpacing:    minSpacing,
	}
}

// Do runs op once both a slot and a spacing token are available.
// A nil limiter runs op directly.
func (l *RateLimiter) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if l == nil {
		return op(ctx)
	}

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.slots.Release(1)

	if err := l.spacing.Wait(ctx); err != nil {
		return err
	}

	l.inFlight.Add(1)
	l.total.Add(1)
	defer l.inFlight.Add(-1)

	return op(ctx)
}

// Call is Do for operations that produce a value.
func Call[T any](ctx context.Context, l *RateLimiter, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// InFlight returns the number of operations currently executing.
func (l *RateLimiter) InFlight() int {
	if l == nil {
		return 0
	}
	return int(l.inFlight.Load())
}

// Total returns the number of operations started so far.
func (l *RateLimiter) Total() uint64 {
	if l == nil {
		return 0
	}
	return l.total.Load()
}

// MaxConcurrent returns the configured slot count.
func (l *RateLimiter) MaxConcurrent() int {
	return l.maxConcurrent
}

// MinSpacing returns the configured spacing between call starts.
func (l *RateLimiter) MinSpacing() time.Duration {
	return l.minSpacing
}
