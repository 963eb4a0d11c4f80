package middleware

import (
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/postviews/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimiter returns a Huma middleware that limits requests per client.
// Clients are keyed by the same IP and user-agent fingerprint as anonymous viewers.
// Limiter failures let the request through.
func RateLimiter(api huma.API, limiter ratelimit.Limiter, logger *zap.Logger) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		ip := clientIP(ctx)

		decision, err := limiter.Allow(ctx.Context(), fingerprint(ip, ctx.Header("User-Agent")))
		if err != nil {
			logger.Warn("rate limit check failed, allowing request", zap.Error(err))
			next(ctx)

			return
		}

		ctx.SetHeader("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		ctx.SetHeader("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining(), 10))

		if !decision.Allowed {
			logger.Info("rate limit exceeded",
				zap.String("client_ip", ip),
				zap.Int64("count", decision.Count),
				zap.Int64("limit", decision.Limit),
			)
			ctx.SetHeader("Retry-After", strconv.Itoa(int(decision.Window.Seconds())))
			_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests, "rate limit exceeded")

			return
		}

		next(ctx)
	}
}
