package cache

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/brandforge/mediacache/logger"
)

var errRedisUnavailable = errors.New("redis tier is unavailable")

// RedisTier is a Durable implementation backed by Redis. Each entry is a
// hash ("v" payload, "s" size) with a native TTL; a per-category ZSET
// scored by last access drives quota eviction, and a per-category counter
// tracks stored bytes. The byte counter can drift high when entries expire
// natively without a subsequent touch; it reconverges as the index is
// pruned on access and eviction.
type RedisTier struct {
	client     *redis.Client
	log        logger.Logger
	cfg        durableConfig
	tracker    *quotaTracker
	ready      atomic.Bool
	ownsClient bool
}

var _ Durable = (*RedisTier)(nil)

// NewRedis returns a Redis-backed durable tier. Availability is probed
// once: if the initial ping fails, the tier is permanently unready and
// every operation becomes a miss/no-op rather than a retry storm.
func NewRedis(ctx context.Context, client *redis.Client, log logger.Logger, opts ...DurableOption) *RedisTier {
	if log == nil {
		log = logger.Discard()
	}
	cfg := applyDurableOptions(opts)
	if cfg.prefix == "" {
		cfg.prefix = "mediacache"
	}
	t := &RedisTier{
		client:  client,
		log:     log.WithPrefix("redis"),
		cfg:     cfg,
		tracker: newQuotaTracker(),
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.queryTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.log.Warn("redis unavailable, durable tier disabled: %v", err)
		return t
	}
	t.ready.Store(true)
	return t
}

func (t *RedisTier) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.cfg.queryTimeout)
}

func (t *RedisTier) entryKey(category Category, key string) string {
	return t.cfg.prefix + ":" + string(category) + ":" + key
}

func (t *RedisTier) indexKey(category Category) string {
	return t.cfg.prefix + ":idx:" + string(category)
}

func (t *RedisTier) bytesKey(category Category) string {
	return t.cfg.prefix + ":bytes:" + string(category)
}

func (t *RedisTier) categoriesKey() string {
	return t.cfg.prefix + ":categories"
}

func (t *RedisTier) Ready() bool {
	return t.ready.Load()
}

func (t *RedisTier) Get(ctx context.Context, category Category, key string) ([]byte, bool) {
	if !t.Ready() {
		return nil, false
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	now := t.cfg.now()
	k := t.entryKey(category, key)
	data, err := t.client.HGet(qctx, k, "v").Bytes()
	if err == redis.Nil {
		// Prune the index entry if the hash expired natively.
		t.pruneExpired(qctx, category, key)
		t.tracker.touch(category, false, now)
		return nil, false
	}
	if err != nil {
		t.log.Warn("read failed for %s/%s: %v", category, key, err)
		t.tracker.touch(category, false, now)
		return nil, false
	}
	// Refresh recency in the index (fire-and-forget).
	t.client.ZAdd(qctx, t.indexKey(category), redis.Z{Score: float64(now.UnixNano()), Member: key})
	t.tracker.touch(category, true, now)
	return data, true
}

// pruneExpired reconciles index and byte counter after a native expiry.
func (t *RedisTier) pruneExpired(ctx context.Context, category Category, key string) {
	removed, err := t.client.ZRem(ctx, t.indexKey(category), key).Result()
	if err != nil || removed == 0 {
		return
	}
	// The stored size is gone with the hash; the counter reconverges on
	// the next Clear. Best effort only.
}

func (t *RedisTier) Set(ctx context.Context, category Category, key string, payload []byte, ttl time.Duration) bool {
	if !t.Ready() {
		return false
	}
	quota := t.cfg.quotaFor(category)
	if quota.MaxBytes > 0 && int64(len(payload)) > quota.MaxBytes {
		t.log.Debug("payload for %s/%s exceeds category quota (%d > %d)", category, key, len(payload), quota.MaxBytes)
		return false
	}
	if ttl <= 0 {
		ttl = t.cfg.defaultTTL
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	now := t.cfg.now()

	// Size of the row being replaced, if any.
	var oldSize int64
	if s, err := t.client.HGet(qctx, t.entryKey(category, key), "s").Int64(); err == nil {
		oldSize = s
	}

	if !t.evictForQuota(qctx, category, key, quota, int64(len(payload))-oldSize, oldSize > 0) {
		return false
	}

	pipe := t.client.Pipeline()
	k := t.entryKey(category, key)
	pipe.HSet(qctx, k, "v", payload, "s", len(payload))
	pipe.Expire(qctx, k, ttl)
	pipe.ZAdd(qctx, t.indexKey(category), redis.Z{Score: float64(now.UnixNano()), Member: key})
	pipe.IncrBy(qctx, t.bytesKey(category), int64(len(payload))-oldSize)
	pipe.SAdd(qctx, t.categoriesKey(), string(category))
	if _, err := pipe.Exec(qctx); err != nil {
		t.log.Warn("write failed for %s/%s: %v", category, key, err)
		return false
	}
	t.tracker.access(category, now)
	return true
}

// evictForQuota removes the least recently accessed entries of one
// category until delta more bytes (and, unless replacing, one more item)
// fit. Other categories are never touched.
func (t *RedisTier) evictForQuota(ctx context.Context, category Category, incoming string, quota CategoryQuota, delta int64, replacing bool) bool {
	if quota.MaxItems <= 0 && quota.MaxBytes <= 0 {
		return true
	}
	idx := t.indexKey(category)
	for {
		items, err := t.client.ZCard(ctx, idx).Result()
		if err != nil {
			t.log.Warn("quota check failed for %s: %v", category, err)
			return false
		}
		bytes, err := t.client.Get(ctx, t.bytesKey(category)).Int64()
		if err != nil && err != redis.Nil {
			t.log.Warn("quota check failed for %s: %v", category, err)
			return false
		}
		needItems := items
		if !replacing {
			needItems++
		}
		overItems := quota.MaxItems > 0 && needItems > int64(quota.MaxItems)
		overBytes := quota.MaxBytes > 0 && bytes+delta > quota.MaxBytes
		if !overItems && !overBytes {
			return true
		}

		victims, err := t.client.ZRangeByScore(ctx, idx, &redis.ZRangeBy{
			Min: "-inf", Max: "+inf", Count: 2,
		}).Result()
		if err != nil {
			t.log.Warn("quota eviction scan failed for %s: %v", category, err)
			return false
		}
		victim := ""
		for _, v := range victims {
			if v != incoming {
				victim = v
				break
			}
		}
		if victim == "" {
			return !overItems && !overBytes
		}
		if !t.removeEntry(ctx, category, victim) {
			return false
		}
	}
}

// removeEntry deletes one entry and its index/counter bookkeeping.
func (t *RedisTier) removeEntry(ctx context.Context, category Category, key string) bool {
	size, err := t.client.HGet(ctx, t.entryKey(category, key), "s").Int64()
	if err != nil && err != redis.Nil {
		t.log.Warn("size lookup failed for %s/%s: %v", category, key, err)
		return false
	}
	pipe := t.client.Pipeline()
	pipe.Del(ctx, t.entryKey(category, key))
	pipe.ZRem(ctx, t.indexKey(category), key)
	if size > 0 {
		pipe.DecrBy(ctx, t.bytesKey(category), size)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("remove failed for %s/%s: %v", category, key, err)
		return false
	}
	return true
}

func (t *RedisTier) Delete(ctx context.Context, category Category, key string) bool {
	if !t.Ready() {
		return false
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	// Deleted-or-absent both count as success.
	return t.removeEntry(qctx, category, key)
}

func (t *RedisTier) CategoryStats(ctx context.Context, category Category) (CategoryStats, error) {
	stats := CategoryStats{Category: category}
	if !t.Ready() {
		return stats, errRedisUnavailable
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	items, err := t.client.ZCard(qctx, t.indexKey(category)).Result()
	if err != nil {
		return stats, err
	}
	stats.Items = int(items)
	bytes, err := t.client.Get(qctx, t.bytesKey(category)).Result()
	if err != nil && err != redis.Nil {
		return stats, err
	}
	if bytes != "" {
		stats.Bytes, _ = strconv.ParseInt(bytes, 10, 64)
	}
	quota := t.cfg.quotaFor(category)
	stats.MaxItems = quota.MaxItems
	stats.MaxBytes = quota.MaxBytes
	t.tracker.fill(&stats)
	return stats, nil
}

func (t *RedisTier) Categories(ctx context.Context) []Category {
	if !t.Ready() {
		return nil
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	members, err := t.client.SMembers(qctx, t.categoriesKey()).Result()
	if err != nil {
		t.log.Warn("listing categories failed: %v", err)
		return t.tracker.categories()
	}
	out := make([]Category, 0, len(members))
	for _, m := range members {
		out = append(out, Category(m))
	}
	return out
}

func (t *RedisTier) Clear(ctx context.Context) error {
	if !t.Ready() {
		return errRedisUnavailable
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	for _, category := range t.Categories(qctx) {
		keys, err := t.client.ZRange(qctx, t.indexKey(category), 0, -1).Result()
		if err != nil {
			return err
		}
		pipe := t.client.Pipeline()
		for _, key := range keys {
			pipe.Del(qctx, t.entryKey(category, key))
		}
		pipe.Del(qctx, t.indexKey(category))
		pipe.Del(qctx, t.bytesKey(category))
		if _, err := pipe.Exec(qctx); err != nil {
			return err
		}
	}
	if err := t.client.Del(qctx, t.categoriesKey()).Err(); err != nil {
		return err
	}
	t.tracker.reset()
	return nil
}

// Close releases the client only when the tier created it (FromConfig);
// otherwise the caller owns the redis.Client lifecycle and Close is a
// no-op.
func (t *RedisTier) Close() error {
	t.ready.Store(false)
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}
