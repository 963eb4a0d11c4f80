package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/postviews/internal/handlers"
	"github.com/serroba/postviews/internal/views"
)

// MemberHeader carries the authenticated member id set by the upstream gateway.
const MemberHeader = "X-Member-ID"

// RequestMeta adds client IP, user-agent and viewer identity to the request context.
// Members are identified by MemberHeader, everyone else by a hash of IP and user-agent.
func RequestMeta(_ huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		meta := handlers.RequestMeta{
			ClientIP:  clientIP(ctx),
			UserAgent: ctx.Header("User-Agent"),
		}

		if member := strings.TrimSpace(ctx.Header(MemberHeader)); member != "" {
			meta.Viewer = views.MemberViewer(member)
		} else {
			meta.Viewer = views.AnonymousViewer(fingerprint(meta.ClientIP, meta.UserAgent))
		}

		next(huma.WithContext(ctx, handlers.ContextWithRequestMeta(ctx.Context(), meta)))
	}
}

// fingerprint hashes IP and user-agent into an opaque client key.
func fingerprint(ip, userAgent string) string {
	hash := sha256.Sum256([]byte(ip + "|" + userAgent))

	return hex.EncodeToString(hash[:])
}

// clientIP extracts the client IP from the request, considering proxies.
func clientIP(ctx huma.Context) string {
	if xff := ctx.Header("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	if xri := ctx.Header("X-Real-IP"); xri != "" {
		return xri
	}

	host := ctx.RemoteAddr()

	ip, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}

	return ip
}
