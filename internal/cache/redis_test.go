package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore connects to REDIS_URL or skips.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis cache tests")
	}
	ctx := context.Background()
	s, err := NewRedisStoreFromURL(ctx, url, "mandi:test:"+t.Name()+":")
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Clear(ctx)
		_ = s.Close()
	})
	return s
}

func TestRedisStore_SetGetClear(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	want := record{Category: "fruits", Average: 75}
	require.NoError(t, s.Set(ctx, "fruits-all", want, time.Minute))

	var got record
	ok, err := s.Get(ctx, "fruits-all", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, s.Clear(ctx))
	ok, err = s.Get(ctx, "fruits-all", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_TTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", 1, 50*time.Millisecond))
	time.Sleep(120 * time.Millisecond)

	var v int
	ok, err := s.Get(ctx, "short", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStoreFromURL(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}

func TestNewRedisStore_DefaultPrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	s := NewRedisStore(client, "")
	assert.Equal(t, DefaultPrefix, s.prefix)
}

func TestRedisStore_WithPrefixSharesClient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	s := NewRedisStore(client, "")
	tr := s.WithPrefix(TranslationPrefix)
	assert.Same(t, s.client, tr.client)
	assert.Equal(t, TranslationPrefix, tr.prefix)
	assert.Equal(t, DefaultPrefix, s.prefix)
}
