// Package middleware provides HTTP rate limiting and client address
// resolution shared by the API routes.
//
// RateLimit wraps go-chi/httprate with a sliding window keyed by the
// authenticated actor, or by client IP for anonymous requests. Rejected
// requests get a 429 JSON body.
//
//	export := middleware.RateLimit(middleware.RateLimitConfig{
//		Requests: 10,
//		Window:   time.Minute,
//		Name:     "audit-export",
//	}, logger)
//	router.Handle("/audit-logs/export", export(handler))
//
// ClientIP resolves the originating address from X-Forwarded-For,
// X-Real-IP or the connection, in that order.
package middleware
