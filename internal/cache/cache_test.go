package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tracker and texts mirror the interfaces the dispatcher consumes.
type tracker interface {
	Claim(ctx context.Context, key string) error
	Claimed(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type texts interface {
	Last(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, text string) error
}

func exerciseTracker(t *testing.T, f tracker) {
	t.Helper()
	ctx := context.Background()
	key := "-100-" + uuid.NewString()

	claimed, err := f.Claimed(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, f.Claim(ctx, key))
	claimed, err = f.Claimed(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, f.Release(ctx, key))
	claimed, err = f.Claimed(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func exerciseTexts(t *testing.T, c texts) {
	t.Helper()
	ctx := context.Background()
	key := "5-" + uuid.NewString()

	_, ok, err := c.Last(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Remember(ctx, key, ".ping"))
	text, ok, err := c.Last(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ".ping", text)

	require.NoError(t, c.Remember(ctx, key, ".ping -x"))
	text, _, _ = c.Last(ctx, key)
	assert.Equal(t, ".ping -x", text)
}

func TestInFlight(t *testing.T) {
	f, err := NewInFlight(100, time.Minute)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	exerciseTracker(t, f)
}

func TestTextCache(t *testing.T) {
	c, err := NewTextCache(100, time.Hour)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	exerciseTexts(t, c)
}

func TestTextCacheRequiresTTL(t *testing.T) {
	_, err := NewTextCache(100, 0)
	assert.Error(t, err)
}

func TestRedis(t *testing.T) {
	url := os.Getenv("UBCORE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("UBCORE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	prefix := "ubcore-test-" + uuid.NewString() + ":"
	exerciseTracker(t, NewRedisInFlight(rdb, prefix, time.Minute))
	exerciseTexts(t, NewRedisTextCache(rdb, prefix, time.Minute))
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
