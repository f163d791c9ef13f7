package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/brandforge/mediacache/compress"
	"github.com/brandforge/mediacache/logger"
	"github.com/brandforge/mediacache/telemetry"
)

// DefaultWriteTimeout bounds each background durable write.
const DefaultWriteTimeout = 10 * time.Second

// Payload framing for the durable tier: one flag byte, then data.
const (
	payloadRaw  byte = 0 // msgpack
	payloadGzip byte = 1 // gzip(msgpack)
)

type tieredConfig struct {
	memory       *Memory
	durable      Durable
	recorder     *telemetry.Recorder
	log          logger.Logger
	writeTimeout time.Duration
	defaultTTL   time.Duration
}

// TieredOption configures the coordinator.
type TieredOption func(*tieredConfig)

// WithMemory supplies the memory tier. When omitted, a tier with default
// options is created and owned by the coordinator.
func WithMemory(m *Memory) TieredOption {
	return func(c *tieredConfig) { c.memory = m }
}

// WithDurable supplies the durable tier. When omitted or unready, the
// coordinator runs in memory-only mode.
func WithDurable(d Durable) TieredOption {
	return func(c *tieredConfig) { c.durable = d }
}

// WithRecorder supplies the telemetry recorder. When omitted, a recorder
// with default options is created.
func WithRecorder(r *telemetry.Recorder) TieredOption {
	return func(c *tieredConfig) { c.recorder = r }
}

// WithLogger supplies the logger. Defaults to a silent logger.
func WithLogger(l logger.Logger) TieredOption {
	return func(c *tieredConfig) { c.log = l }
}

// WithWriteTimeout bounds each background durable write.
// Defaults to DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) TieredOption {
	return func(c *tieredConfig) { c.writeTimeout = d }
}

// WithDefaultTTL sets the durable-tier TTL applied to writes without a
// per-call TTL.
func WithDefaultTTL(d time.Duration) TieredOption {
	return func(c *tieredConfig) { c.defaultTTL = d }
}

type setConfig struct {
	ttl      time.Duration
	compress bool
	size     int64
	sized    bool
}

// SetOption configures a single Set call.
type SetOption func(*setConfig)

// WithEntryTTL sets the durable-tier TTL for this write.
func WithEntryTTL(d time.Duration) SetOption {
	return func(c *setConfig) { c.ttl = d }
}

// WithCompress gzips the payload before the durable write when that
// actually shrinks it. The memory tier always stores the value as-is.
func WithCompress() SetOption {
	return func(c *setConfig) { c.compress = true }
}

// WithSize supplies an explicit size estimate for the memory tier.
func WithSize(n int64) SetOption {
	return func(c *setConfig) { c.size = n; c.sized = true }
}

// Summary is the aggregate section of GlobalStats.
type Summary struct {
	AverageHitRate float64 `json:"average_hit_rate"`
	DurableReady   bool    `json:"durable_ready"`
}

// GlobalStats merges memory tier usage with per-category durable stats.
type GlobalStats struct {
	Memory     MemoryStats     `json:"memory"`
	Categories []CategoryStats `json:"categories"`
	Summary    Summary         `json:"summary"`
}

// Tiered coordinates the memory and durable tiers: reads check memory
// first and promote durable hits; writes hit memory synchronously and the
// durable tier best-effort in the background; capacity evictions from
// memory are demoted into the durable tier. With no durable tier the
// coordinator runs silently in memory-only mode.
//
// One long-lived instance is expected to be constructed at the application
// root and shut down with Close.
type Tiered struct {
	memory     *Memory
	ownsMemory bool
	durable    Durable
	recorder   *telemetry.Recorder
	log        logger.Logger
	cfg        tieredConfig

	group     singleflight.Group
	writes    sync.WaitGroup
	writeCtx  context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
}

// NewTiered constructs the coordinator and subscribes it to the memory
// tier's eviction feed.
func NewTiered(ctx context.Context, opts ...TieredOption) *Tiered {
	cfg := tieredConfig{
		writeTimeout: DefaultWriteTimeout,
		log:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.recorder == nil {
		cfg.recorder = telemetry.NewRecorder()
	}

	// Background writes outlive individual requests; they are bounded by
	// the write timeout and the coordinator's own lifetime instead of a
	// caller's context.
	writeCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	t := &Tiered{
		durable:  cfg.durable,
		recorder: cfg.recorder,
		log:      cfg.log.WithPrefix("cache"),
		cfg:      cfg,
		writeCtx: writeCtx,
		stop:     stop,
	}
	if cfg.memory == nil {
		t.memory = NewMemory(ctx)
		t.ownsMemory = true
	} else {
		t.memory = cfg.memory
	}
	t.memory.Subscribe(t.demote)

	if !t.durableReady() {
		t.log.Info("durable tier unavailable, running memory-only")
	}
	return t
}

// Memory exposes the memory tier for direct inspection.
func (t *Tiered) Memory() *Memory { return t.memory }

// Recorder exposes the telemetry recorder for diagnostics tooling.
func (t *Tiered) Recorder() *telemetry.Recorder { return t.recorder }

func (t *Tiered) durableReady() bool {
	return t.durable != nil && t.durable.Ready()
}

// memKey namespaces memory-tier keys by category so eviction observers can
// recover the category for demotion.
func memKey(category Category, key string) string {
	return string(category) + "/" + key
}

func splitMemKey(mk string) (Category, string, bool) {
	i := strings.IndexByte(mk, '/')
	if i < 0 {
		return "", "", false
	}
	return Category(mk[:i]), mk[i+1:], true
}

// Get returns the cached value for (category, key). Memory hits are served
// synchronously; on a memory miss the durable tier is consulted and a hit
// is promoted into the memory tier, subject to its own eviction rules.
func (t *Tiered) Get(ctx context.Context, category Category, key string) (any, bool) {
	mk := memKey(category, key)
	if val, ok := t.memory.Get(mk); ok {
		t.recorder.RecordHit(string(category), key, TierMemory)
		return val, true
	}
	if t.durableReady() {
		if payload, ok := t.durable.Get(ctx, category, key); ok {
			val, err := decodePayload(payload)
			if err != nil {
				t.log.Warn("discarding undecodable durable payload for %s/%s: %v", category, key, err)
			} else {
				t.memory.Set(mk, val)
				t.recorder.RecordHit(string(category), key, TierDurable)
				return val, true
			}
		}
	}
	t.recorder.RecordMiss(string(category), key)
	return nil, false
}

// Set stores val in the memory tier synchronously and the durable tier
// best-effort in the background. It reports success as soon as the memory
// tier accepted the write; durable persistence failures are logged, never
// surfaced.
func (t *Tiered) Set(ctx context.Context, category Category, key string, val any, opts ...SetOption) bool {
	var cfg setConfig
	cfg.ttl = t.cfg.defaultTTL
	for _, opt := range opts {
		opt(&cfg)
	}

	mk := memKey(category, key)
	if cfg.sized {
		t.memory.SetSized(mk, val, cfg.size)
	} else {
		t.memory.Set(mk, val)
	}

	if t.durableReady() {
		t.writes.Add(1)
		go t.persist(category, key, val, cfg)
	}
	return true
}

// persist runs the background durable write for one Set.
func (t *Tiered) persist(category Category, key string, val any, cfg setConfig) {
	defer t.writes.Done()
	payload, err := encodePayload(val, cfg.compress)
	if err != nil {
		t.log.Warn("skipping durable write for %s/%s: %v", category, key, err)
		return
	}
	ctx, cancel := context.WithTimeout(t.writeCtx, t.cfg.writeTimeout)
	defer cancel()
	if !t.durable.Set(ctx, category, key, payload, cfg.ttl) {
		t.log.Warn("durable write failed for %s/%s (%d bytes)", category, key, len(payload))
	}
}

// demote pushes capacity-evicted memory entries into the durable tier so
// cold-but-reusable values survive memory pressure. TTL expiry and clears
// are not demoted.
func (t *Tiered) demote(mk string, val any, reason EvictReason) {
	if reason != EvictCount && reason != EvictMemory {
		return
	}
	if !t.durableReady() {
		return
	}
	category, key, ok := splitMemKey(mk)
	if !ok {
		return
	}
	t.writes.Add(1)
	go func() {
		defer t.writes.Done()
		payload, err := encodePayload(val, false)
		if err != nil {
			t.log.Debug("skipping demotion of %s/%s: %v", category, key, err)
			return
		}
		ctx, cancel := context.WithTimeout(t.writeCtx, t.cfg.writeTimeout)
		defer cancel()
		if !t.durable.Set(ctx, category, key, payload, t.cfg.defaultTTL) {
			t.log.Debug("demotion write failed for %s/%s", category, key)
		}
	}()
}

// Delete removes (category, key) from both tiers. With a durable tier the
// result is its deleted-or-absent confirmation; in memory-only mode it is
// the memory tier's.
func (t *Tiered) Delete(ctx context.Context, category Category, key string) bool {
	present := t.memory.Delete(memKey(category, key))
	if t.durableReady() {
		return t.durable.Delete(ctx, category, key)
	}
	return present
}

// ClearAll clears both tiers and resets telemetry counters in lockstep.
func (t *Tiered) ClearAll(ctx context.Context) {
	t.memory.Clear()
	if t.durableReady() {
		if err := t.durable.Clear(ctx); err != nil {
			t.log.Warn("durable clear failed: %v", err)
		}
	}
	t.recorder.Reset()
}

// GlobalStats aggregates the memory tier, per-category durable stats, and
// a session summary. A failing category contributes an error entry without
// aborting the rest.
func (t *Tiered) GlobalStats(ctx context.Context) GlobalStats {
	stats := GlobalStats{
		Memory: t.memory.Stats(),
		Summary: Summary{
			AverageHitRate: t.recorder.HitRate(),
			DurableReady:   t.durableReady(),
		},
	}
	if !t.durableReady() {
		return stats
	}
	for _, category := range t.durable.Categories(ctx) {
		cs, err := t.durable.CategoryStats(ctx, category)
		if err != nil {
			cs = CategoryStats{Category: category, Error: err.Error()}
		}
		stats.Categories = append(stats.Categories, cs)
	}
	return stats
}

// Loader produces a value on cache miss for GetOrLoad.
type Loader func(ctx context.Context) (any, error)

// GetOrLoad returns the cached value or produces it via loader, storing
// the result. Concurrent loads for the same (category, key) are coalesced.
func (t *Tiered) GetOrLoad(ctx context.Context, category Category, key string, loader Loader, opts ...SetOption) (any, error) {
	if val, ok := t.Get(ctx, category, key); ok {
		return val, nil
	}
	val, err, _ := t.group.Do(memKey(category, key), func() (any, error) {
		// Re-check: another flight may have populated the cache
		// between our miss and acquiring the flight.
		if val, ok := t.memory.Get(memKey(category, key)); ok {
			return val, nil
		}
		val, err := loader(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s/%s", category, key)
		}
		t.Set(ctx, category, key, val, opts...)
		return val, nil
	})
	return val, err
}

// Close stops background work and closes both tiers: the memory sweeper
// first (its evictions may still demote), then in-flight durable writes
// are drained, then the durable tier itself.
func (t *Tiered) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.ownsMemory {
			t.memory.Close()
		}
		t.writes.Wait()
		t.stop()
		if t.durable != nil {
			err = t.durable.Close()
		}
	})
	return err
}

// encodePayload frames val for the durable tier: msgpack, optionally
// gzipped when that shrinks the result.
func encodePayload(val any, compressed bool) ([]byte, error) {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}
	if compressed {
		packed, err := compress.Gzip(data)
		if err == nil && len(packed) < len(data) {
			return append([]byte{payloadGzip}, packed...), nil
		}
	}
	return append([]byte{payloadRaw}, data...), nil
}

// decodePayload reverses encodePayload into a generic value.
func decodePayload(payload []byte) (any, error) {
	data, err := payloadData(payload)
	if err != nil {
		return nil, err
	}
	var val any
	if err := msgpack.Unmarshal(data, &val); err != nil {
		return nil, errors.Wrap(err, "decoding payload")
	}
	return val, nil
}

// payloadData strips the frame and returns the raw msgpack bytes.
func payloadData(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	switch payload[0] {
	case payloadRaw:
		return payload[1:], nil
	case payloadGzip:
		return compress.Gunzip(payload[1:])
	}
	return nil, errors.Newf("unknown payload flag %d", payload[0])
}

// Fetch returns a typed value from the coordinator. Memory hits are type
// asserted directly; durable hits are decoded from msgpack into T before
// promotion, so the promoted value keeps its concrete type.
func Fetch[T any](ctx context.Context, t *Tiered, category Category, key string) (T, bool) {
	var zero T
	mk := memKey(category, key)
	if val, ok := t.memory.Get(mk); ok {
		if typed, ok := val.(T); ok {
			t.recorder.RecordHit(string(category), key, TierMemory)
			return typed, true
		}
		// A promoted generic decode can sit in memory under this key;
		// re-decode it into the requested type via msgpack.
		if data, err := msgpack.Marshal(val); err == nil {
			var typed T
			if err := msgpack.Unmarshal(data, &typed); err == nil {
				t.recorder.RecordHit(string(category), key, TierMemory)
				return typed, true
			}
		}
		t.recorder.RecordMiss(string(category), key)
		return zero, false
	}
	if t.durableReady() {
		if payload, ok := t.durable.Get(ctx, category, key); ok {
			if data, err := payloadData(payload); err == nil {
				var typed T
				if err := msgpack.Unmarshal(data, &typed); err == nil {
					t.memory.Set(mk, typed)
					t.recorder.RecordHit(string(category), key, TierDurable)
					return typed, true
				}
			}
			t.log.Warn("discarding undecodable durable payload for %s/%s", category, key)
		}
	}
	t.recorder.RecordMiss(string(category), key)
	return zero, false
}
