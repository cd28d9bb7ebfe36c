// Package store defines the persistence contract for verification state and picks a
// backend at startup.
package store

import (
	"context"
	"log/slog"
	"time"

	"humanscore/internal/platform/config"
	"humanscore/internal/platform/metrics"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/store/memory"
	"humanscore/internal/verification/store/postgres"
)

// Store is implemented identically by every backend. Lookups return nil, nil when an
// entity is absent or expired.
type Store interface {
	SaveVerification(ctx context.Context, walletID string, provider models.Provider, data models.RecordData) (*models.Record, error)
	GetVerification(ctx context.Context, walletID string, provider models.Provider) (*models.Record, error)
	GetUserVerifications(ctx context.Context, walletID string) ([]*models.Record, error)
	DeleteVerification(ctx context.Context, walletID string, provider models.Provider) (bool, error)

	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error

	SaveProfile(ctx context.Context, profile *models.Profile) error
	GetProfile(ctx context.Context, walletID string, provider models.Provider) (*models.Profile, error)

	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
	StartSweeper(ctx context.Context, interval time.Duration)

	Backend() string
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Open selects the backend once. A configured database that cannot be reached or
// migrated falls back to memory with a warning; startup never fails on storage.
func Open(ctx context.Context, cfg config.Storage, logger *slog.Logger, m *metrics.Metrics) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DatabaseURL != "" {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, timeout, postgres.WithLogger(logger), postgres.WithMetrics(m))
		if err == nil {
			logger.Info("using postgres verification store")
			return pg, nil
		}
		logger.Warn("postgres unavailable, falling back to memory store", "error", err)
	}

	mem, err := memory.New(memory.WithSnapshot(cfg.SnapshotPath), memory.WithLogger(logger), memory.WithMetrics(m))
	if err != nil && cfg.SnapshotPath != "" {
		logger.Warn("snapshot unreadable, starting with an empty memory store", "path", cfg.SnapshotPath, "error", err)
		mem, err = memory.New(memory.WithLogger(logger), memory.WithMetrics(m))
	}
	if err != nil {
		return nil, err
	}
	logger.Info("using memory verification store", "snapshot", cfg.SnapshotPath != "")
	return mem, nil
}
