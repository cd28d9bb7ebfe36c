package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"humanscore/internal/platform/config"
)

func TestNewWithoutURL(t *testing.T) {
	c, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestOptions(t *testing.T) {
	opts, err := options(config.RedisConfig{
		URL:         "redis://:secret@cache.internal:6380/2",
		PoolSize:    20,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
	assert.Zero(t, opts.MinIdleConns, "unset values keep the URL defaults")

	_, err = options(config.RedisConfig{URL: "http://nope"})
	assert.Error(t, err)
}
