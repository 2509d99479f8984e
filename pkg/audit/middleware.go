package audit

import (
	"context"
	"net/http"

	"github.com/sisiago/sisiago/pkg/contextkeys"
	"github.com/sisiago/sisiago/pkg/middleware"
)

// RequestContext captures the client IP and user agent so that Logger.Record
// can attribute mutations made while serving the request.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := RequestMeta{
			IPAddress: middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestMeta(r.Context(), meta)))
	})
}

// RequestMetaFromContext returns the metadata stored by RequestContext
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(contextkeys.RequestMetaKey).(RequestMeta)
	return meta, ok
}
