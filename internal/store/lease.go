package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease is a single-key lease shared by every instance using the same
// Redis node.
type RedisLease struct {
	client *redis.Client
	key    string
}

// NewRedisLease creates a lease stored under key.
func NewRedisLease(client *redis.Client, key string) *RedisLease {
	return &RedisLease{client: client, key: key}
}

// Acquire takes the lease for owner if nobody holds it.
func (l *RedisLease) Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key, owner, ttl).Result()
}

// Release gives the lease up if owner still holds it.
func (l *RedisLease) Release(ctx context.Context, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err()
}

// MemoryLease is an in-process lease.
type MemoryLease struct {
	mu      sync.Mutex
	owner   string
	expires time.Time
}

// NewMemoryLease creates a new in-memory lease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{}
}

func (l *MemoryLease) Acquire(_ context.Context, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.owner != "" && now.Before(l.expires) {
		return false, nil
	}

	l.owner = owner
	l.expires = now.Add(ttl)

	return true, nil
}

func (l *MemoryLease) Release(_ context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == owner {
		l.owner = ""
	}

	return nil
}
