// Package metadata carries the caller's address and user agent on the request
// context so session logs can be correlated with the browser that started them.
package metadata

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientKey struct{}

// Client describes who made the request.
type Client struct {
	IP        string
	UserAgent string
}

// ClientMetadata stores the Client for every request. Mount it after chi's RealIP
// when running behind a proxy.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Client{IP: ClientIPFromRequest(r), UserAgent: r.UserAgent()}
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), c)))
	})
}

// WithClient injects c into ctx. Service tests use it in place of the middleware.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// FromContext returns the request's Client, or the zero value.
func FromContext(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}

// ClientIPFromRequest prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection address.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
