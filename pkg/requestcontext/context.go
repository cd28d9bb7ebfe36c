// Package requestcontext carries the per-request clock and request id through
// context so services and stores can read them without importing net/http.
package requestcontext

import (
	"context"
	"time"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyNow
)

// RequestID returns the id set by WithRequestID, or "" for background work.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(keyRequestID).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// Now returns the instant pinned for this request. Sweepers and tests that never
// passed through the HTTP middleware get the wall clock.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(keyNow).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins Now for everything downstream of ctx.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, keyNow, t)
}
