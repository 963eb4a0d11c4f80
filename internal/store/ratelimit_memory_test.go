package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/serroba/postviews/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("counts requests within the window", func(t *testing.T) {
		s := store.NewRateLimitMemoryStore()

		for want := int64(1); want <= 3; want++ {
			got, err := s.Record(ctx, "client", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("clients do not share a log", func(t *testing.T) {
		s := store.NewRateLimitMemoryStore()

		_, _ = s.Record(ctx, "a", time.Minute)
		_, _ = s.Record(ctx, "a", time.Minute)

		got, err := s.Record(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("requests older than the window are forgotten", func(t *testing.T) {
		s := store.NewRateLimitMemoryStore()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		s.SetClock(func() time.Time { return now })

		_, _ = s.Record(ctx, "client", time.Minute)

		now = now.Add(30 * time.Second)
		_, _ = s.Record(ctx, "client", time.Minute)

		now = now.Add(45 * time.Second)
		got, err := s.Record(ctx, "client", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got)
	})
}
