// Package redis opens the optional Redis connection shared by callback locks.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"humanscore/internal/platform/config"
)

// Client is a pinged go-redis client.
type Client struct {
	*redis.Client
}

// New connects to cfg.URL. It returns nil, nil when Redis is not configured so callers
// can fall back to in-process locking.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: c}, nil
}

// options overlays the tuned pool and timeout settings on the URL's own options.
func options(cfg config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	setPositive(&opts.PoolSize, cfg.PoolSize)
	setPositive(&opts.MinIdleConns, cfg.MinIdleConns)
	setPositive(&opts.DialTimeout, cfg.DialTimeout)
	setPositive(&opts.ReadTimeout, cfg.ReadTimeout)
	setPositive(&opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

func setPositive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
