package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proficienthub/exam-credits/pkg/circuitbreaker"
)

// newTestCache connects to TEST_REDIS_ADDR or skips.
func newTestCache(t *testing.T) *Cache {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	cfg := DefaultConfig()
	cfg.URL = "redis://" + addr + "/15"

	cache, err := NewCache(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "dashboard:p1:s1", DashboardKey("p1", "s1"))
	assert.Equal(t, "dashboard:p1:*", DashboardPoolPattern("p1"))
	assert.Equal(t, "lock:sweeper", LockKey("sweeper"))
}

func TestCache_ValidatesArguments(t *testing.T) {
	c := &Cache{}
	ctx := context.Background()

	assert.ErrorIs(t, c.Set(ctx, "", 1, time.Minute), ErrCacheKeyEmpty)
	assert.ErrorIs(t, c.Set(ctx, "k", nil, time.Minute), ErrCacheNilValue)
	assert.ErrorIs(t, c.Set(ctx, "k", 1, -time.Second), ErrCacheInvalidTTL)
	assert.ErrorIs(t, c.Get(ctx, "", new(int)), ErrCacheKeyEmpty)
	assert.ErrorIs(t, c.DeleteByPattern(ctx, ""), ErrCacheKeyEmpty)
	assert.NoError(t, c.Delete(ctx))
}

func TestDashboardCache_InvalidatePool(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	dc := NewDashboardCache(cache, time.Minute)

	pool, other := uuid.NewString(), uuid.NewString()
	type snapshot struct {
		Remaining string `json:"remaining"`
	}

	require.NoError(t, dc.Set(ctx, pool, "s1", snapshot{Remaining: "2.5"}))
	require.NoError(t, dc.Set(ctx, pool, "s2", snapshot{Remaining: "2.5"}))
	require.NoError(t, dc.Set(ctx, other, "s1", snapshot{Remaining: "9"}))

	var got snapshot
	hit, err := dc.Get(ctx, pool, "s1", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "2.5", got.Remaining)

	require.NoError(t, dc.InvalidatePool(ctx, pool))

	hit, err = dc.Get(ctx, pool, "s1", &got)
	require.NoError(t, err)
	assert.False(t, hit)
	hit, err = dc.Get(ctx, pool, "s2", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	hit, err = dc.Get(ctx, other, "s1", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "9", got.Remaining)
}

func TestCache_TryLock(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	resource := "test-" + uuid.NewString()

	ok, release, err := cache.TryLock(ctx, resource, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok2, release2, err := cache.TryLock(ctx, resource, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok2)
	require.NoError(t, release2(ctx))

	require.NoError(t, release(ctx))

	ok3, release3, err := cache.TryLock(ctx, resource, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok3)
	require.NoError(t, release3(ctx))
}

func TestDashboardCache_BreakerShortCircuits(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	cb := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithTimeout(time.Hour))
	dc := NewDashboardCache(NewCacheFromClient(client), time.Minute).WithBreaker(cb)
	ctx := context.Background()

	var dest map[string]string
	for i := 0; i < 2; i++ {
		hit, err := dc.Get(ctx, "p1", "s1", &dest)
		assert.Error(t, err)
		assert.False(t, hit)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	hit, err := dc.Get(ctx, "p1", "s1", &dest)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, dc.Set(ctx, "p1", "s1", map[string]string{"a": "b"}))
	assert.Equal(t, 2, cb.Counts().Rejected)

	// invalidation bypasses the breaker
	assert.Error(t, dc.InvalidatePool(ctx, "p1"))
}
