package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sisiago/sisiago/pkg/httputil"
	"github.com/sisiago/sisiago/pkg/observability"
)

// DefaultCookieName is the session cookie set at login
const DefaultCookieName = "auth-token"

// FailureRecorder counts rejected tokens, feeding the failedLogins risk metric
type FailureRecorder interface {
	RecordFailure(ctx context.Context) error
}

// Middleware authenticates requests and enforces roles
type Middleware struct {
	tokens     *TokenManager
	cookieName string
	failures   FailureRecorder
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// MiddlewareOption configures a Middleware
type MiddlewareOption func(*Middleware)

// WithCookieName overrides the session cookie name
func WithCookieName(name string) MiddlewareOption {
	return func(m *Middleware) {
		if name != "" {
			m.cookieName = name
		}
	}
}

// WithFailureRecorder records every invalid token presented
func WithFailureRecorder(r FailureRecorder) MiddlewareOption {
	return func(m *Middleware) { m.failures = r }
}

// WithMiddlewareMetrics counts rejections by reason
func WithMiddlewareMetrics(metrics *observability.Metrics) MiddlewareOption {
	return func(m *Middleware) { m.metrics = metrics }
}

// WithMiddlewareLogger sets the logger
func WithMiddlewareLogger(logger *observability.Logger) MiddlewareOption {
	return func(m *Middleware) { m.logger = logger }
}

// NewMiddleware creates the auth middleware
func NewMiddleware(tokens *TokenManager, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		tokens:     tokens,
		cookieName: DefaultCookieName,
		logger:     observability.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(m.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, status int, reason, message string) {
	if m.metrics != nil {
		m.metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	}
	m.logger.WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"reason": reason,
	}).Debug("request rejected")
	httputil.WriteErrorMessage(w, status, message)
}

// Authenticate requires a valid session token and stores the actor in the
// request context. Invalid tokens are recorded as failed logins.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.tokenFromRequest(r)
		if token == "" {
			m.reject(w, r, http.StatusUnauthorized, "missing_token", "authentication required")
			return
		}

		actor, err := m.tokens.ValidateToken(token)
		if err != nil {
			if m.failures != nil {
				if recErr := m.failures.RecordFailure(r.Context()); recErr != nil {
					m.logger.WithError(recErr).Warn("failed to record failed login")
				}
			}
			m.reject(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole answers 401 when no actor is present and 403 when the
// actor's role is not one of roles.
func (m *Middleware) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				m.reject(w, r, http.StatusUnauthorized, "no_actor", "authentication required")
				return
			}
			if !actor.HasRole(roles...) {
				m.reject(w, r, http.StatusForbidden, "forbidden", "access denied: insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
