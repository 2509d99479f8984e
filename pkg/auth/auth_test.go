package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisiago/sisiago/pkg/observability"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type countingRecorder struct {
	n   int32
	err error
}

func (c *countingRecorder) RecordFailure(ctx context.Context) error {
	atomic.AddInt32(&c.n, 1)
	return c.err
}

func newTokens(t *testing.T) *TokenManager {
	t.Helper()
	tm, err := NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)
	return tm
}

func TestTokenManager_RoundTrip(t *testing.T) {
	tm := newTokens(t)

	token, err := tm.GenerateToken(Actor{ID: "u-1", Email: "ana@sisiago.test", Role: RoleAdmin})
	require.NoError(t, err)

	actor, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, &Actor{ID: "u-1", Email: "ana@sisiago.test", Role: RoleAdmin}, actor)
}

func TestTokenManager_Rejects(t *testing.T) {
	tm := newTokens(t)

	t.Run("expired", func(t *testing.T) {
		token, err := tm.GenerateToken(Actor{ID: "u-1", Role: RoleUser})
		require.NoError(t, err)

		later := *tm
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err = later.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewTokenManager("another-secret-another-secret-xx", time.Hour)
		require.NoError(t, err)
		token, err := other.GenerateToken(Actor{ID: "u-1", Role: RoleUser})
		require.NoError(t, err)
		_, err = tm.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		token, err := tm.GenerateToken(Actor{ID: "u-1", Role: Role("root")})
		require.NoError(t, err)
		_, err = tm.ValidateToken(token)
		assert.ErrorContains(t, err, "unknown role")
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
			UserID: "u-1",
			Role:   "admin",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = tm.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.ValidateToken("not.a.jwt")
		assert.Error(t, err)
	})
}

func TestNewTokenManager_RequiresSecret(t *testing.T) {
	_, err := NewTokenManager("", time.Hour)
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Manager ")
	require.NoError(t, err)
	assert.Equal(t, RoleManager, r)

	_, err = ParseRole("owner")
	assert.Error(t, err)
}

func protected(mw *Middleware, roles ...Role) http.Handler {
	return mw.Authenticate(mw.RequireRole(roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		w.Header().Set("X-Actor", actor.ID)
		w.WriteHeader(http.StatusOK)
	})))
}

func TestMiddleware(t *testing.T) {
	tm := newTokens(t)
	recorder := &countingRecorder{}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	mw := NewMiddleware(tm, WithFailureRecorder(recorder), WithMiddlewareMetrics(metrics))
	handler := protected(mw, RoleAdmin)

	adminToken, err := tm.GenerateToken(Actor{ID: "admin-1", Email: "a@x", Role: RoleAdmin})
	require.NoError(t, err)
	userToken, err := tm.GenerateToken(Actor{ID: "user-1", Email: "u@x", Role: RoleUser})
	require.NoError(t, err)

	t.Run("no token is 401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit-logs", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, int32(0), atomic.LoadInt32(&recorder.n))
	})

	t.Run("invalid token is 401 and recorded", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit-logs", nil)
		req.Header.Set("Authorization", "Bearer forged")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&recorder.n))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuthFailuresTotal.WithLabelValues("invalid_token")))
	})

	t.Run("non admin is 403", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit-logs", nil)
		req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: userToken})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin via cookie passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit-logs", nil)
		req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: adminToken})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "admin-1", rec.Header().Get("X-Actor"))
	})

	t.Run("admin via bearer passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit-logs", nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMiddleware_RecorderErrorStillRejects(t *testing.T) {
	mw := NewMiddleware(newTokens(t), WithFailureRecorder(&countingRecorder{err: errors.New("redis down")}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	protected(mw, RoleAdmin).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole_WithoutAuthenticate(t *testing.T) {
	mw := NewMiddleware(newTokens(t))
	h := mw.RequireRole(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActorFromContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), &Actor{ID: "u-7", Role: RoleManager})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.True(t, actor.HasRole(RoleAdmin, RoleManager))
	assert.False(t, actor.HasRole(RoleAdmin))
}
