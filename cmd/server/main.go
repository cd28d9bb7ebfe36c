package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"humanscore/internal/commitment"
	"humanscore/internal/platform/config"
	"humanscore/internal/platform/httpserver"
	"humanscore/internal/platform/logger"
	"humanscore/internal/platform/metrics"
	"humanscore/internal/platform/middleware"
	"humanscore/internal/platform/redis"
	"humanscore/internal/platform/upstream"
	"humanscore/internal/verification/events"
	"humanscore/internal/verification/handler"
	"humanscore/internal/verification/lock"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/service"
	"humanscore/internal/verification/store"
	"humanscore/pkg/platform/middleware/metadata"
	"humanscore/pkg/platform/middleware/requesttime"
)

const shutdownTimeout = 15 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Verification logic lives in internal/verification.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "humanscore: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)
	log.Info("starting humanscore", "config", cfg)
	if cfg.Server.CommitmentSalt == "" {
		log.Warn("COMMITMENT_SALT is not set; every verification will fail at the commit step")
	}

	m := metrics.New()

	st, err := store.Open(ctx, cfg.Storage, log, m)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close store", "error", err)
		}
	}()
	st.StartSweeper(ctx, cfg.Storage.SweepInterval)

	locker, closeLocker := buildLocker(ctx, cfg.Redis, log)
	defer closeLocker()

	deps := providers.Deps{
		HTTP:      upstream.New(cfg.Upstream, upstream.WithLogger(log), upstream.WithMetrics(m)),
		Committer: commitment.NewDeriver(cfg.Server.CommitmentSalt),
		Logger:    log,
		Metrics:   m,
		BaseURL:   cfg.Server.BaseURL,
	}
	registry, err := buildRegistry(cfg.Providers, deps)
	if err != nil {
		return err
	}
	for _, p := range registry.Providers() {
		a, _ := registry.Get(p)
		if err := a.Configured(); err != nil {
			log.Warn("provider disabled", "provider", p, "reason", err)
		}
	}

	publisher, closeEvents := buildEvents(ctx, cfg.Events, log, m)

	svc := service.New(st, registry,
		service.WithLogger(log),
		service.WithEvents(publisher),
		service.WithMetrics(m),
		service.WithLocker(locker),
		service.WithSessionTTL(cfg.Server.SessionTTL),
		service.WithRecordTTL(cfg.Server.RecordTTL),
		service.WithProfilePersistence(cfg.Server.PersistProfiles),
	)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Latency(m))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	handler.New(svc, st, log, cfg.Server.FrontendURL).Register(r)

	srv := httpserver.New(cfg.Server.Addr, r)
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "storage", st.Backend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	closeEvents(shutdownCtx)
	return nil
}

// buildEvents streams lifecycle events to Kafka when brokers are configured.
// An unreachable cluster disables the stream rather than the service.
func buildEvents(ctx context.Context, cfg config.Events, log *slog.Logger, m *metrics.Metrics) (events.Publisher, func(context.Context)) {
	if !cfg.Enabled() {
		return events.Nop{}, func(context.Context) {}
	}
	sink, err := events.NewKafkaSink(ctx, cfg, log)
	if err != nil {
		log.Warn("kafka unavailable, verification events disabled", "error", err)
		return events.Nop{}, func(context.Context) {}
	}
	pub := events.NewAsync(sink,
		events.WithBufferSize(cfg.BufferSize),
		events.WithBatchSize(cfg.BatchSize),
		events.WithFlushInterval(cfg.FlushInterval),
		events.WithLogger(log),
		events.WithMetrics(m),
	)
	pub.Start()
	log.Info("publishing verification events", "topic", cfg.Topic)
	return pub, func(ctx context.Context) {
		if err := pub.Close(ctx); err != nil {
			log.Warn("close event publisher", "error", err)
		}
		if err := sink.Close(ctx); err != nil {
			log.Warn("close kafka sink", "error", err)
		}
	}
}

// buildLocker shares callback locks through Redis when it is configured and
// reachable, and falls back to an in-process lock otherwise.
func buildLocker(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (lock.Locker, func()) {
	client, err := redis.New(ctx, cfg)
	if err != nil {
		log.Warn("redis unavailable, using in-process callback lock", "error", err)
		return lock.NewMemory(), func() {}
	}
	if client == nil {
		return lock.NewMemory(), func() {}
	}
	log.Info("using redis callback lock")
	return lock.NewRedis(client.Client), func() {
		if err := client.Close(); err != nil {
			log.Warn("close redis", "error", err)
		}
	}
}
