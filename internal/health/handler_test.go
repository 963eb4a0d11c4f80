package health_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/postviews/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	err error
}

func (m *mockChecker) Ping(_ context.Context) error {
	return m.err
}

func TestHandler_Check(t *testing.T) {
	down := errors.New("connection refused")

	t.Run("returns ok when everything is healthy", func(t *testing.T) {
		handler := health.NewHandler(&mockChecker{}, &mockChecker{})

		resp, err := handler.Check(context.Background(), nil)

		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Body.Status)
		assert.Equal(t, "healthy", resp.Body.Redis)
		assert.Equal(t, "healthy", resp.Body.Postgres)
	})

	t.Run("returns degraded when redis is unhealthy", func(t *testing.T) {
		handler := health.NewHandler(&mockChecker{err: down}, &mockChecker{})

		resp, err := handler.Check(context.Background(), nil)

		require.NoError(t, err)
		assert.Equal(t, "degraded", resp.Body.Status)
		assert.Equal(t, "unhealthy", resp.Body.Redis)
		assert.Equal(t, "healthy", resp.Body.Postgres)
	})

	t.Run("returns degraded when postgres is unhealthy", func(t *testing.T) {
		handler := health.NewHandler(&mockChecker{}, &mockChecker{err: down})

		resp, err := handler.Check(context.Background(), nil)

		require.NoError(t, err)
		assert.Equal(t, "degraded", resp.Body.Status)
		assert.Equal(t, "unhealthy", resp.Body.Postgres)
	})
}

func TestRedisChecker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	assert.NoError(t, health.NewRedisChecker(client).Ping(context.Background()))
}
