// Package contextkeys provides centralized context key definitions
//
// All context keys shared between packages are defined here so that the
// producer (usually a middleware) and the consumers agree on key and type.
//
//	ctx = contextkeys.WithActor(ctx, actor)
//	actor, _ := ctx.Value(contextkeys.ActorKey).(*auth.Actor)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorKey contains *auth.Actor
	// Set by: auth.Middleware.Authenticate (pkg/auth/middleware.go)
	// Required by: audit routes, users routes, audit.Logger actor fill-in
	// Type: *auth.Actor
	ActorKey Key = "actor"

	// RequestIDKey contains request ID string (UUID)
	// Set by: audit.RequestContext middleware, httputil.RequestIDMiddleware
	// Used by: Logger, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains user ID string
	// Set by: auth middleware after token verification
	// Used by: Logger
	// Type: string
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// RequestMetaKey contains audit.RequestMeta (client IP and user agent)
	// Set by: audit.RequestContext middleware (pkg/audit/middleware.go)
	// Used by: audit.Logger when the caller leaves network fields empty
	// Type: audit.RequestMeta
	RequestMetaKey Key = "request_meta"
)

// WithActor adds the authenticated actor to the context
func WithActor(ctx context.Context, actor interface{}) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestMeta adds request network metadata to the context
func WithRequestMeta(ctx context.Context, meta interface{}) context.Context {
	return context.WithValue(ctx, RequestMetaKey, meta)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}
