// Package requesttime pins a single "now" per HTTP request so session expiry checks,
// record timestamps and account-age rules agree within one callback.
package requesttime

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"humanscore/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request and carries the
// chi request ID alongside it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = requestcontext.WithRequestID(ctx, reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
