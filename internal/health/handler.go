package health

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/redis/go-redis/v9"
)

// Checker defines the interface for checking service health.
type Checker interface {
	Ping(ctx context.Context) error
}

// RedisChecker adapts a redis client to the Checker interface.
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// Ping checks Redis connectivity.
func (r *RedisChecker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Handler handles health check operations.
type Handler struct {
	redis    Checker
	postgres Checker
	timeout  time.Duration
}

// NewHandler creates a new health handler.
func NewHandler(redis, postgres Checker) *Handler {
	return &Handler{redis: redis, postgres: postgres, timeout: 2 * time.Second}
}

// Response is the response for health check endpoint.
type Response struct {
	Body struct {
		Status   string `enum:"ok,degraded"         json:"status"`
		Redis    string `enum:"healthy,unhealthy"   json:"redis"`
		Postgres string `enum:"healthy,unhealthy"   json:"postgres"`
	}
}

// Check pings every dependency. The endpoint reports degraded instead of failing.
func (h *Handler) Check(ctx context.Context, _ *struct{}) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp := &Response{}
	resp.Body.Status = "ok"
	resp.Body.Redis = h.probe(ctx, h.redis, &resp.Body.Status)
	resp.Body.Postgres = h.probe(ctx, h.postgres, &resp.Body.Status)

	return resp, nil
}

func (h *Handler) probe(ctx context.Context, c Checker, status *string) string {
	if err := c.Ping(ctx); err != nil {
		*status = "degraded"

		return "unhealthy"
	}

	return "healthy"
}

// RegisterRoutes registers health check routes.
func RegisterRoutes(api huma.API, h *Handler) {
	huma.Get(api, "/health", h.Check)
}
