// Package sweep runs a store's periodic expired-session cleanup.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"humanscore/internal/platform/metrics"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = time.Hour

// Func deletes everything that expired before now and reports how many entries went.
type Func func(ctx context.Context, now time.Time) (int, error)

// Run calls fn every interval until ctx is cancelled. It blocks; callers start it in
// a goroutine they own.
func Run(ctx context.Context, interval time.Duration, fn Func, logger *slog.Logger, m *metrics.Metrics) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := fn(ctx, now)
			if err != nil {
				logger.WarnContext(ctx, "session sweep failed", "error", err)
				continue
			}
			m.AddSessionsSwept(n)
			if n > 0 {
				logger.DebugContext(ctx, "swept expired sessions", "count", n)
			}
		}
	}
}
