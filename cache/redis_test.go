package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...DurableOption) (*miniredis.Miniredis, *RedisTier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	tier := NewRedis(context.Background(), client, nil, opts...)
	require.True(t, tier.Ready())
	return mr, tier
}

func TestRedisRoundtrip(t *testing.T) {
	_, tier := newTestRedis(t)
	ctx := context.Background()

	_, ok := tier.Get(ctx, CategoryImage, "thumb-1")
	assert.False(t, ok)

	payload := []byte("webp bytes")
	assert.True(t, tier.Set(ctx, CategoryImage, "thumb-1", payload, time.Minute))

	got, ok := tier.Get(ctx, CategoryImage, "thumb-1")
	assert.True(t, ok)
	assert.Equal(t, payload, got)

	_, ok = tier.Get(ctx, CategoryVideo, "thumb-1")
	assert.False(t, ok)
}

func TestRedisNativeTTL(t *testing.T) {
	mr, tier := newTestRedis(t)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, CategoryImage, "k", []byte("v"), 100*time.Millisecond))
	mr.FastForward(150 * time.Millisecond)

	_, ok := tier.Get(ctx, CategoryImage, "k")
	assert.False(t, ok)
	// The miss pruned the index entry.
	stats, err := tier.CategoryStats(ctx, CategoryImage)
	require.NoError(t, err)
	assert.Zero(t, stats.Items)
}

func TestRedisQuotaItemEviction(t *testing.T) {
	clock := newFakeClock()
	_, tier := newTestRedis(t,
		WithDurableNow(clock.Now),
		WithCategoryQuota(CategoryImage, CategoryQuota{MaxItems: 3}),
	)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		require.True(t, tier.Set(ctx, CategoryImage, fmt.Sprintf("img-%d", i), []byte("x"), time.Hour))
	}
	clock.Advance(time.Second)
	require.True(t, tier.Set(ctx, CategoryImage, "img-4", []byte("x"), time.Hour))

	_, ok := tier.Get(ctx, CategoryImage, "img-1")
	assert.False(t, ok)
	_, ok = tier.Get(ctx, CategoryImage, "img-4")
	assert.True(t, ok)
}

func TestRedisQuotaByteEviction(t *testing.T) {
	clock := newFakeClock()
	_, tier := newTestRedis(t,
		WithDurableNow(clock.Now),
		WithCategoryQuota(CategoryImage, CategoryQuota{MaxBytes: 100}),
	)
	ctx := context.Background()

	clock.Advance(time.Second)
	require.True(t, tier.Set(ctx, CategoryImage, "a", make([]byte, 60), time.Hour))
	clock.Advance(time.Second)
	require.True(t, tier.Set(ctx, CategoryImage, "b", make([]byte, 30), time.Hour))
	clock.Advance(time.Second)
	require.True(t, tier.Set(ctx, CategoryImage, "c", make([]byte, 50), time.Hour))

	_, ok := tier.Get(ctx, CategoryImage, "a")
	assert.False(t, ok)
	stats, err := tier.CategoryStats(ctx, CategoryImage)
	require.NoError(t, err)
	assert.Equal(t, int64(80), stats.Bytes)
}

func TestRedisOversizedPayloadRejected(t *testing.T) {
	_, tier := newTestRedis(t, WithCategoryQuota(CategoryImage, CategoryQuota{MaxBytes: 100}))
	assert.False(t, tier.Set(context.Background(), CategoryImage, "big", make([]byte, 200), time.Hour))
}

func TestRedisCategoryIndependence(t *testing.T) {
	_, tier := newTestRedis(t,
		WithCategoryQuota(CategoryImage, CategoryQuota{MaxItems: 2}),
	)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, CategoryVideo, "clip-1", []byte("v"), time.Hour))
	for i := 0; i < 6; i++ {
		require.True(t, tier.Set(ctx, CategoryImage, fmt.Sprintf("img-%d", i), []byte("x"), time.Hour))
	}

	_, ok := tier.Get(ctx, CategoryVideo, "clip-1")
	assert.True(t, ok)
	stats, err := tier.CategoryStats(ctx, CategoryImage)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Items)
}

func TestRedisPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	one := NewRedis(ctx, client, nil, WithKeyPrefix("app-one"))
	two := NewRedis(ctx, client, nil, WithKeyPrefix("app-two"))

	require.True(t, one.Set(ctx, CategoryAPI, "k", []byte("one"), time.Hour))
	_, ok := two.Get(ctx, CategoryAPI, "k")
	assert.False(t, ok)
	got, ok := one.Get(ctx, CategoryAPI, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), got)
}

func TestRedisDelete(t *testing.T) {
	_, tier := newTestRedis(t)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, CategoryImage, "k", []byte("v"), time.Hour))
	assert.True(t, tier.Delete(ctx, CategoryImage, "k"))
	assert.True(t, tier.Delete(ctx, CategoryImage, "k"))
	_, ok := tier.Get(ctx, CategoryImage, "k")
	assert.False(t, ok)

	stats, err := tier.CategoryStats(ctx, CategoryImage)
	require.NoError(t, err)
	assert.Zero(t, stats.Items)
	assert.Zero(t, stats.Bytes)
}

func TestRedisCategoriesAndClear(t *testing.T) {
	_, tier := newTestRedis(t)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, CategoryImage, "a", []byte("x"), time.Hour))
	require.True(t, tier.Set(ctx, CategoryTemplate, "b", []byte("y"), time.Hour))
	assert.ElementsMatch(t, []Category{CategoryImage, CategoryTemplate}, tier.Categories(ctx))

	require.NoError(t, tier.Clear(ctx))
	assert.Empty(t, tier.Categories(ctx))
	_, ok := tier.Get(ctx, CategoryImage, "a")
	assert.False(t, ok)
}

func TestRedisUnavailableDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close() // nothing listening anymore

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	log := newTestLogger()
	tier := NewRedis(context.Background(), client, log, WithQueryTimeout(100*time.Millisecond))
	ctx := context.Background()

	assert.False(t, tier.Ready())
	_, ok := tier.Get(ctx, CategoryImage, "k")
	assert.False(t, ok)
	assert.False(t, tier.Set(ctx, CategoryImage, "k", []byte("v"), time.Hour))
	assert.False(t, tier.Delete(ctx, CategoryImage, "k"))
	_, err := tier.CategoryStats(ctx, CategoryImage)
	assert.Error(t, err)

	// Unavailability was detected once, at construction.
	warned := false
	for _, entry := range log.Entries() {
		if entry.Severity == "WARNING" {
			warned = true
		}
	}
	assert.True(t, warned)
}
