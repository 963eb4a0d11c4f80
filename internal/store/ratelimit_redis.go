package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitRedisStore is a Redis implementation of ratelimit.Store backed by
// one sorted set of request timestamps per key.
type RateLimitRedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRateLimitRedisStore creates a new Redis-backed rate limit store.
func NewRateLimitRedisStore(client redis.UniversalClient) *RateLimitRedisStore {
	return &RateLimitRedisStore{client: client, prefix: "ratelimit:"}
}

func (s *RateLimitRedisStore) Record(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	redisKey := s.prefix + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	var card *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+cutoff)
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: uuid.NewString()})
		card = pipe.ZCard(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, window)

		return nil
	})
	if err != nil {
		return 0, err
	}

	return card.Val(), nil
}
