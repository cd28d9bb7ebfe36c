package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with timeouts sized for callbacks that wait on upstream
// providers (token exchange plus a few API calls, each retried on 429).
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
