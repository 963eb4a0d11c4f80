package ratelimit

import (
	"context"
	"time"
)

// Store keeps the request log of every limited client.
type Store interface {
	// Record logs a request for key and returns how many requests key made
	// within the trailing window, this one included.
	Record(ctx context.Context, key string, window time.Duration) (count int64, err error)
}
