package store

import (
	"context"
	"sync"
	"time"
)

// RateLimitMemoryStore is an in-memory implementation of ratelimit.Store.
type RateLimitMemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	requests map[string][]time.Time
}

// NewRateLimitMemoryStore creates a new in-memory rate limit store.
func NewRateLimitMemoryStore() *RateLimitMemoryStore {
	return &RateLimitMemoryStore{
		now:      time.Now,
		requests: make(map[string][]time.Time),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *RateLimitMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

func (s *RateLimitMemoryStore) Record(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)

	timestamps := s.requests[key]
	kept := timestamps[:0]

	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	kept = append(kept, now)
	s.requests[key] = kept

	return int64(len(kept)), nil
}
