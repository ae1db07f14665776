package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sync/internal/config"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRedisStore_URL(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(&config.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, store.Close())
	}()

	ctx := testContext(t)
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Client().Set(ctx, "k", "v", 0).Err())
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestNewRedisStore_HostPort(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(&config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 5,
	})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 5, store.Client().Options().PoolSize)
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore(&config.RedisConfig{URL: "not-a-url://x"})
	assert.Error(t, err)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(&config.RedisConfig{URL: "redis://" + addr})
	assert.Error(t, err)
}
