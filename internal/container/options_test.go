package container_test

import (
	"testing"
	"time"

	"github.com/serroba/postviews/internal/container"
	"github.com/serroba/postviews/internal/views"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *container.Options {
	return &container.Options{
		DedupWindow:        "daily",
		ResetHour:          4,
		TimeZone:           "UTC",
		ChunkSize:          100,
		SyncConcurrency:    4,
		LeaseTTL:           "5m",
		RetryMaxAttempts:   3,
		RetryBaseDelay:     "1s",
		RetryMultiplier:    2,
		RetryJitterPercent: 50,
		RetryMaxDelay:      "30s",
		WriteTimeout:       "5s",
		CacheTimeout:       "250ms",
		ViewRateLimit:      60,
	}
}

func TestOptions_Config(t *testing.T) {
	t.Run("parses defaults", func(t *testing.T) {
		cfg, err := defaults().Config()

		require.NoError(t, err)
		assert.Equal(t, views.DailyWindow{ResetHour: 4, Location: time.UTC}, cfg.Window)
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
		assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0)
		assert.InDelta(t, 0.5, cfg.Retry.Jitter, 0)
		assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
		assert.Equal(t, 250*time.Millisecond, cfg.CacheTimeout)
	})

	t.Run("rolling window", func(t *testing.T) {
		o := defaults()
		o.DedupWindow = "30m"

		cfg, err := o.Config()

		require.NoError(t, err)
		assert.Equal(t, views.RollingWindow{Period: 30 * time.Minute}, cfg.Window)
	})

	t.Run("collects every problem", func(t *testing.T) {
		o := defaults()
		o.RetryBaseDelay = "soon"
		o.TimeZone = "Mars/Olympus"
		o.ChunkSize = 0

		_, err := o.Config()

		require.ErrorIs(t, err, container.ErrInvalidOptions)
		assert.Contains(t, err.Error(), "retry-base-delay")
		assert.Contains(t, err.Error(), "time-zone")
		assert.Contains(t, err.Error(), "chunk-size")
	})

	t.Run("rejects an unusable retry policy", func(t *testing.T) {
		o := defaults()
		o.RetryJitterPercent = 100

		_, err := o.Config()

		assert.ErrorIs(t, err, container.ErrInvalidOptions)
	})
}
