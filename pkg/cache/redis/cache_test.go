package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tiercache/pkg/fingerprint"
)

// newTestCache connects to TIERCACHE_REDIS_ADDR and uses a scratch DB.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("TIERCACHE_REDIS_ADDR")
	if addr == "" {
		t.Skip("TIERCACHE_REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.Ping(context.Background()).Err())

	c := NewWithClient(client, time.Hour)
	_, err := c.Clear(context.Background(), false)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = c.Clear(context.Background(), false)
		_ = c.Close()
	})
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), "://nope", time.Hour)
	assert.Error(t, err)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	fp := fingerprint.Of("What is the Arctic resolution about?", fingerprint.Context{})

	require.NoError(t, c.Put(ctx, fp, "answer", 0))
	entry, ok, err := c.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "answer", entry.Response)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, "fp", "answer", time.Hour))
	now = now.Add(time.Hour)

	_, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Put(ctx, "a", "1", 0))
	require.NoError(t, c.Put(ctx, "b", "2", 0))

	n, err := c.Clear(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.Clear(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
