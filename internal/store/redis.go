package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/postviews/internal/views"
)

// SettleTokenTTL is how long a settle token is remembered. It only has to
// outlive the retries of one chunk.
const SettleTokenTTL = time.Hour

// settleScript decrements each counter by the flushed amount and removes the
// member from the pending set once the counter is exactly zero, deleting the
// counter too. A guarded entry records its token first and is skipped when
// the token already exists, so a replayed settlement never decrements twice.
//
// KEYS[1] is the pending set, then one (counter, token) pair per entry.
// ARGV[1] is the token ttl in milliseconds, then one (amount, member, guarded)
// triple per entry.
var settleScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local results = {}
for i = 1, (#KEYS - 1) / 2 do
	local counter = KEYS[i * 2]
	local token = KEYS[i * 2 + 1]
	local amount = tonumber(ARGV[(i - 1) * 3 + 2])
	local member = ARGV[(i - 1) * 3 + 3]
	local apply = amount > 0
	if apply and ARGV[(i - 1) * 3 + 4] == '1' then
		apply = redis.call('SET', token, '1', 'NX', 'PX', ttl) ~= false
	end
	local remaining
	if apply then
		remaining = redis.call('DECRBY', counter, amount)
	else
		remaining = tonumber(redis.call('GET', counter) or '0')
	end
	if remaining == 0 then
		redis.call('SREM', KEYS[1], member)
		redis.call('DEL', counter)
	end
	results[#results + 1] = remaining
end
return results
`)

// moveScript moves members from KEYS[1] to KEYS[2].
var moveScript = redis.NewScript(`
for i = 1, #ARGV do
	redis.call('SREM', KEYS[1], ARGV[i])
	redis.call('SADD', KEYS[2], ARGV[i])
end
return #ARGV
`)

var _ views.CounterStore = (*RedisCounterStore)(nil)

// RedisCounterStore is a Redis implementation of views.CounterStore. The
// settle and move scripts touch several keys at once, so it needs a single
// node (or sentinel) client rather than a cluster one.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore creates a new Redis-backed counter store.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (r *RedisCounterStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCounterStore) IncrementAndTrack(ctx context.Context, counterKey, setKey, member string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, counterKey)
		pipe.SAdd(ctx, setKey, member)

		return nil
	})

	return err
}

func (r *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	return n, err
}

func (r *RedisCounterStore) ScanSet(
	ctx context.Context, setKey string, batch int64, fn func(members []string) error,
) error {
	var cursor uint64

	for {
		members, next, err := r.client.SScan(ctx, setKey, cursor, "", batch).Result()
		if err != nil {
			return err
		}

		if len(members) > 0 {
			if err := fn(members); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}

		cursor = next
	}
}

func (r *RedisCounterStore) RemoveFromSet(ctx context.Context, setKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	return r.client.SRem(ctx, setKey, toAny(members)...).Err()
}

func (r *RedisCounterStore) Settle(
	ctx context.Context, setKey string, entries ...views.Settlement,
) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(entries)*2+1)
	args := make([]any, 0, len(entries)*3+1)

	keys = append(keys, setKey)
	args = append(args, SettleTokenTTL.Milliseconds())

	for _, e := range entries {
		token, guarded := e.TokenKey, "1"
		if token == "" {
			token, guarded = e.CounterKey, "0"
		}

		keys = append(keys, e.CounterKey, token)
		args = append(args, e.Amount, e.Member, guarded)
	}

	return settleScript.Run(ctx, r.client, keys, args...).Int64Slice()
}

func (r *RedisCounterStore) MoveMembers(ctx context.Context, fromKey, toKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	return moveScript.Run(ctx, r.client, []string{fromKey, toKey}, toAny(members)...).Err()
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}

	return out
}
