package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/serroba/postviews/internal/handlers"
	"github.com/serroba/postviews/internal/middleware"
	"github.com/serroba/postviews/internal/ratelimit"
	"github.com/serroba/postviews/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type metaResponse struct {
	Body struct {
		ClientIP string `json:"clientIp"`
		Viewer   string `json:"viewer"`
	}
}

func newMetaAPI(t *testing.T) humatest.TestAPI {
	t.Helper()

	_, api := humatest.New(t)
	api.UseMiddleware(middleware.RequestMeta(api))

	huma.Get(api, "/meta", func(ctx context.Context, _ *struct{}) (*metaResponse, error) {
		meta := handlers.RequestMetaFromContext(ctx)

		resp := &metaResponse{}
		resp.Body.ClientIP = meta.ClientIP
		resp.Body.Viewer = string(meta.Viewer)

		return resp, nil
	})

	return api
}

func TestRequestMeta(t *testing.T) {
	t.Run("members are identified by header", func(t *testing.T) {
		api := newMetaAPI(t)

		resp := api.Get("/meta", "X-Member-ID: 77")

		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"viewer":"member:77"`)
	})

	t.Run("anonymous viewers are fingerprinted", func(t *testing.T) {
		api := newMetaAPI(t)

		a := api.Get("/meta", "X-Forwarded-For: 10.0.0.1, 10.0.0.2", "User-Agent: Agent/1")
		b := api.Get("/meta", "X-Forwarded-For: 10.0.0.1", "User-Agent: Agent/1")
		c := api.Get("/meta", "X-Forwarded-For: 10.0.0.1", "User-Agent: Agent/2")

		assert.Contains(t, a.Body.String(), `"clientIp":"10.0.0.1"`)
		assert.Contains(t, a.Body.String(), `"viewer":"anon:`)
		assert.Equal(t, viewerOf(a.Body.String()), viewerOf(b.Body.String()))
		assert.NotEqual(t, viewerOf(a.Body.String()), viewerOf(c.Body.String()))
	})

	t.Run("falls back to X-Real-IP", func(t *testing.T) {
		api := newMetaAPI(t)

		resp := api.Get("/meta", "X-Real-IP: 192.168.1.9")

		assert.Contains(t, resp.Body.String(), `"clientIp":"192.168.1.9"`)
	})
}

func viewerOf(body string) string {
	_, after, _ := strings.Cut(body, `"viewer":"`)
	viewer, _, _ := strings.Cut(after, `"`)

	return viewer
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func newLimitedAPI(t *testing.T, limiter ratelimit.Limiter) humatest.TestAPI {
	t.Helper()

	_, api := humatest.New(t)

	huma.Register(api, huma.Operation{
		Method:      http.MethodPost,
		Path:        "/limited",
		Middlewares: huma.Middlewares{middleware.RateLimiter(api, limiter, zap.NewNop())},
	}, func(context.Context, *struct{}) (*struct{}, error) {
		return nil, nil
	})

	return api
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests under the limit", func(t *testing.T) {
		limiter := ratelimit.NewSlidingWindowLimiter(store.NewRateLimitMemoryStore(), 2, time.Minute)
		api := newLimitedAPI(t, limiter)

		resp := api.Post("/limited", "User-Agent: Agent/1")

		assert.Equal(t, http.StatusNoContent, resp.Code)
		assert.Equal(t, "2", resp.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", resp.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("rejects requests over the limit", func(t *testing.T) {
		limiter := ratelimit.NewSlidingWindowLimiter(store.NewRateLimitMemoryStore(), 1, time.Minute)
		api := newLimitedAPI(t, limiter)

		api.Post("/limited", "User-Agent: Agent/1")
		resp := api.Post("/limited", "User-Agent: Agent/1")

		assert.Equal(t, http.StatusTooManyRequests, resp.Code)
		assert.Equal(t, "60", resp.Header().Get("Retry-After"))
	})

	t.Run("clients are limited independently", func(t *testing.T) {
		limiter := ratelimit.NewSlidingWindowLimiter(store.NewRateLimitMemoryStore(), 1, time.Minute)
		api := newLimitedAPI(t, limiter)

		api.Post("/limited", "User-Agent: Agent/1")
		resp := api.Post("/limited", "User-Agent: Agent/2")

		assert.Equal(t, http.StatusNoContent, resp.Code)
	})

	t.Run("limiter failure lets the request through", func(t *testing.T) {
		api := newLimitedAPI(t, failingLimiter{})

		resp := api.Post("/limited")

		assert.Equal(t, http.StatusNoContent, resp.Code)
	})
}
