// Package ratelimit throttles clients with a sliding window over a shared store.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the result of a single rate limit check.
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
	Window  time.Duration
}

// Remaining is how many more requests fit in the current window.
func (d Decision) Remaining() int64 {
	return max(d.Limit-d.Count, 0)
}

// Limiter defines the interface for rate limiting.
type Limiter interface {
	// Allow records a request from key and decides whether it may proceed.
	Allow(ctx context.Context, key string) (Decision, error)
}

// SlidingWindowLimiter implements rate limiting using a sliding window algorithm.
type SlidingWindowLimiter struct {
	store  Store
	limit  int64
	window time.Duration
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(store Store, limit int64, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		store:  store,
		limit:  limit,
		window: window,
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	count, err := l.store.Record(ctx, key, l.window)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed: count <= l.limit,
		Count:   count,
		Limit:   l.limit,
		Window:  l.window,
	}, nil
}
