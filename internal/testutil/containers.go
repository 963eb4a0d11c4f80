//go:build integration

// Package testutil starts disposable Redis and PostgreSQL containers for
// integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/serroba/postviews/internal/store/migrations"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// Redis starts a Redis container and returns a client connected to it.
// The test is skipped when no container runtime is available.
func Redis(t *testing.T) *redis.Client {
	t.Helper()
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	return client
}

// Postgres starts a PostgreSQL container, applies the schema and returns a
// pool connected to it.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("postviews"),
		tcpostgres.WithUsername("postviews"),
		tcpostgres.WithPassword("postviews"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}

	if err := migrations.Run(dsn, zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	t.Cleanup(pool.Close)

	return pool
}

// CreatePost inserts a post and returns its id.
func CreatePost(t *testing.T, pool *pgxpool.Pool, title string, views int64) int64 {
	t.Helper()

	var id int64

	err := pool.QueryRow(context.Background(),
		`INSERT INTO posts (title, view_count) VALUES ($1, $2) RETURNING id`, title, views,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert post: %v", err)
	}

	return id
}
