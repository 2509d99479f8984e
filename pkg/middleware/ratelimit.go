package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/sisiago/sisiago/pkg/auth"
	"github.com/sisiago/sisiago/pkg/httputil"
	"github.com/sisiago/sisiago/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// Requests is the max requests allowed per key in the window
	Requests int
	// Window is the sliding window length
	Window time.Duration
	// Name labels rejections in logs
	Name string
}

// DefaultRateLimitConfig returns the export limit: 10 requests per minute
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 10,
		Window:   time.Minute,
		Name:     "default",
	}
}

// RateLimit limits requests per authenticated actor, falling back to the
// client IP for anonymous requests. A non-positive request count disables
// limiting.
func RateLimit(cfg RateLimitConfig, logger *observability.Logger) func(http.Handler) http.Handler {
	if cfg.Requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if logger == nil {
		logger = observability.Nop()
	}

	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(ActorOrIPKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			key, _ := ActorOrIPKey(r)
			logger.WithFields(map[string]interface{}{
				"limiter": cfg.Name,
				"key":     key,
				"path":    r.URL.Path,
			}).Warn("rate limit exceeded")
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
		}),
	)
}

// ActorOrIPKey keys requests by actor id when authenticated, else by IP
func ActorOrIPKey(r *http.Request) (string, error) {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return "user:" + actor.ID, nil
	}
	return "ip:" + ClientIP(r), nil
}

// ClientIP returns the originating client address: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
