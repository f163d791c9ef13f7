package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandforge/mediacache/logger"
	"github.com/brandforge/mediacache/telemetry"
)

func newTestLogger() *logger.TestLogger {
	return logger.NewTestLogger()
}

// stubDurable is an in-memory Durable for coordinator tests. Set can be
// forced to fail and individual categories can be made to error on stats.
type stubDurable struct {
	mu         sync.Mutex
	entries    map[string][]byte
	ready      bool
	failSets   bool
	failStats  map[Category]bool
	setCalls   int
	lastTTL    time.Duration
	categories map[Category]bool
}

func newStubDurable() *stubDurable {
	return &stubDurable{
		entries:    make(map[string][]byte),
		ready:      true,
		failStats:  make(map[Category]bool),
		categories: make(map[Category]bool),
	}
}

func (s *stubDurable) Get(_ context.Context, category Category, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.entries[memKey(category, key)]
	return payload, ok
}

func (s *stubDurable) Set(_ context.Context, category Category, key string, payload []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	s.lastTTL = ttl
	if s.failSets {
		return false
	}
	s.entries[memKey(category, key)] = payload
	s.categories[category] = true
	return true
}

func (s *stubDurable) Delete(_ context.Context, category Category, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memKey(category, key))
	return true
}

func (s *stubDurable) CategoryStats(_ context.Context, category Category) (CategoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStats[category] {
		return CategoryStats{Category: category}, errors.Newf("stats unavailable for %s", category)
	}
	stats := CategoryStats{Category: category}
	for k, v := range s.entries {
		if c, _, ok := splitMemKey(k); ok && c == category {
			stats.Items++
			stats.Bytes += int64(len(v))
		}
	}
	return stats, nil
}

func (s *stubDurable) Categories(_ context.Context) []Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Category, 0, len(s.categories))
	for c := range s.categories {
		out = append(out, c)
	}
	return out
}

func (s *stubDurable) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]byte)
	s.categories = make(map[Category]bool)
	return nil
}

func (s *stubDurable) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stubDurable) Close() error { return nil }

func (s *stubDurable) put(t *testing.T, category Category, key string, val any) {
	t.Helper()
	payload, err := encodePayload(val, false)
	require.NoError(t, err)
	s.mu.Lock()
	s.entries[memKey(category, key)] = payload
	s.categories[category] = true
	s.mu.Unlock()
}

func (s *stubDurable) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestTieredReadYourWrites(t *testing.T) {
	tc := NewTiered(context.Background())
	defer tc.Close()
	ctx := context.Background()

	assert.True(t, tc.Set(ctx, CategoryImage, "thumb", []byte("bytes")))
	val, ok := tc.Get(ctx, CategoryImage, "thumb")
	assert.True(t, ok)
	assert.Equal(t, []byte("bytes"), val)
}

func TestTieredPromotion(t *testing.T) {
	durable := newStubDurable()
	durable.put(t, CategoryImage, "k", "v")

	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()
	ctx := context.Background()

	val, ok := tc.Get(ctx, CategoryImage, "k")
	require.True(t, ok)
	assert.Equal(t, "v", val)

	// The durable hit was promoted: a direct memory-tier probe,
	// bypassing the coordinator, now sees the value.
	promoted, ok := tc.Memory().Get(memKey(CategoryImage, "k"))
	assert.True(t, ok)
	assert.Equal(t, "v", promoted)

	stats := tc.Recorder().Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	require.Len(t, stats.Events, 1)
	assert.Equal(t, TierDurable, stats.Events[0].Tier)

	// The second read is a memory hit.
	_, ok = tc.Get(ctx, CategoryImage, "k")
	require.True(t, ok)
	events := tc.Recorder().Stats().Events
	assert.Equal(t, TierMemory, events[len(events)-1].Tier)
}

func TestTieredMissRecordsMiss(t *testing.T) {
	tc := NewTiered(context.Background(), WithDurable(newStubDurable()))
	defer tc.Close()

	_, ok := tc.Get(context.Background(), CategoryVideo, "absent")
	assert.False(t, ok)
	stats := tc.Recorder().Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Zero(t, stats.Hits)
}

func TestTieredSetWritesDurableInBackground(t *testing.T) {
	durable := newStubDurable()
	tc := NewTiered(context.Background(), WithDurable(durable), WithDefaultTTL(time.Hour))
	defer tc.Close()
	ctx := context.Background()

	assert.True(t, tc.Set(ctx, CategoryAPI, "users", map[string]any{"id": int64(7)}))
	assert.Eventually(t, func() bool {
		_, ok := durable.Get(ctx, CategoryAPI, "users")
		return ok
	}, time.Second, 5*time.Millisecond)

	durable.mu.Lock()
	ttl := durable.lastTTL
	durable.mu.Unlock()
	assert.Equal(t, time.Hour, ttl)
}

func TestTieredDegradation(t *testing.T) {
	durable := newStubDurable()
	durable.failSets = true
	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()
	ctx := context.Background()

	// Persistence always fails, yet Set reports success and the value is
	// served from the memory tier alone.
	assert.True(t, tc.Set(ctx, CategoryImage, "k", "v"))
	val, ok := tc.Get(ctx, CategoryImage, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", val)
}

func TestTieredMemoryOnlyMode(t *testing.T) {
	log := newTestLogger()
	tc := NewTiered(context.Background(), WithLogger(log))
	defer tc.Close()
	ctx := context.Background()

	assert.True(t, tc.Set(ctx, CategoryImage, "k", "v"))
	val, ok := tc.Get(ctx, CategoryImage, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	assert.True(t, tc.Delete(ctx, CategoryImage, "k"))
	_, ok = tc.Get(ctx, CategoryImage, "k")
	assert.False(t, ok)

	stats := tc.GlobalStats(ctx)
	assert.False(t, stats.Summary.DurableReady)
	assert.Empty(t, stats.Categories)

	// The memory-only fallback was announced once at construction.
	found := false
	for _, entry := range log.Entries() {
		if entry.Severity == "INFO" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTieredDemotionOnCapacityEviction(t *testing.T) {
	durable := newStubDurable()
	memory := NewMemory(context.Background(), WithMaxSize(1))
	tc := NewTiered(context.Background(), WithMemory(memory), WithDurable(durable))
	defer tc.Close()
	defer memory.Close()
	ctx := context.Background()

	durable.failSets = true // suppress the write-through path
	assert.True(t, tc.Set(ctx, CategoryImage, "cold", "old-value"))
	durable.failSets = false

	// Inserting a second entry capacity-evicts "cold", which is demoted.
	assert.True(t, tc.Set(ctx, CategoryImage, "hot", "new-value"))
	assert.Eventually(t, func() bool {
		_, ok := durable.Get(ctx, CategoryImage, "cold")
		return ok
	}, time.Second, 5*time.Millisecond)

	// A later read recovers the demoted value from the durable tier.
	val, ok := tc.Get(ctx, CategoryImage, "cold")
	assert.True(t, ok)
	assert.Equal(t, "old-value", val)
}

func TestTieredClearDoesNotDemote(t *testing.T) {
	durable := newStubDurable()
	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()
	ctx := context.Background()

	assert.True(t, tc.Set(ctx, CategoryImage, "k", "v"))
	assert.Eventually(t, func() bool { return durable.len() == 1 }, time.Second, 5*time.Millisecond)

	tc.ClearAll(ctx)
	// Clear wiped both tiers and nothing was re-demoted by the clear.
	assert.Zero(t, durable.len())
	_, ok := tc.Get(ctx, CategoryImage, "k")
	assert.False(t, ok)
}

func TestTieredClearAllResetsTelemetry(t *testing.T) {
	tc := NewTiered(context.Background(), WithDurable(newStubDurable()))
	defer tc.Close()
	ctx := context.Background()

	tc.Set(ctx, CategoryImage, "k", "v")
	tc.Get(ctx, CategoryImage, "k")
	tc.Get(ctx, CategoryImage, "missing")
	require.NotZero(t, tc.Recorder().Summary().Hits)

	tc.ClearAll(ctx)
	summary := tc.Recorder().Summary()
	assert.Zero(t, summary.Hits)
	assert.Zero(t, summary.Misses)
}

func TestTieredDelete(t *testing.T) {
	durable := newStubDurable()
	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()
	ctx := context.Background()

	tc.Set(ctx, CategoryImage, "k", "v")
	assert.Eventually(t, func() bool { return durable.len() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, tc.Delete(ctx, CategoryImage, "k"))
	assert.Zero(t, durable.len())
	_, ok := tc.Get(ctx, CategoryImage, "k")
	assert.False(t, ok)
}

func TestTieredGlobalStatsFailureIsolation(t *testing.T) {
	durable := newStubDurable()
	durable.put(t, CategoryImage, "a", "x")
	durable.put(t, CategoryVideo, "b", "y")
	durable.failStats[CategoryVideo] = true

	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()

	stats := tc.GlobalStats(context.Background())
	assert.True(t, stats.Summary.DurableReady)
	require.Len(t, stats.Categories, 2)

	byCat := make(map[Category]CategoryStats)
	for _, cs := range stats.Categories {
		byCat[cs.Category] = cs
	}
	assert.Empty(t, byCat[CategoryImage].Error)
	assert.Equal(t, 1, byCat[CategoryImage].Items)
	assert.NotEmpty(t, byCat[CategoryVideo].Error)
}

func TestTieredGetOrLoadCoalesces(t *testing.T) {
	tc := NewTiered(context.Background())
	defer tc.Close()
	ctx := context.Background()

	var loads atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		loads.Add(1)
		<-release
		return "loaded", nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]any, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err := tc.GetOrLoad(ctx, CategoryAPI, "slow", loader)
			assert.NoError(t, err)
			results[i] = val
		}(i)
	}
	time.Sleep(20 * time.Millisecond) // let the flights pile up
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load(), "concurrent loads must coalesce")
	for _, val := range results {
		assert.Equal(t, "loaded", val)
	}

	// The loaded value is now cached.
	val, ok := tc.Get(ctx, CategoryAPI, "slow")
	assert.True(t, ok)
	assert.Equal(t, "loaded", val)
}

func TestTieredGetOrLoadError(t *testing.T) {
	tc := NewTiered(context.Background())
	defer tc.Close()

	_, err := tc.GetOrLoad(context.Background(), CategoryAPI, "bad", func(ctx context.Context) (any, error) {
		return nil, errors.New("upstream unavailable")
	})
	assert.ErrorContains(t, err, "upstream unavailable")
	// Failed loads are not cached.
	_, ok := tc.Get(context.Background(), CategoryAPI, "bad")
	assert.False(t, ok)
}

func TestTieredCompressedPayloadRoundtrip(t *testing.T) {
	durable := newStubDurable()
	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()
	ctx := context.Background()

	big := make([]byte, 4096) // zeros compress well
	assert.True(t, tc.Set(ctx, CategoryImage, "banner", big, WithCompress()))
	assert.Eventually(t, func() bool {
		payload, ok := durable.Get(ctx, CategoryImage, "banner")
		return ok && payload[0] == payloadGzip && len(payload) < len(big)
	}, time.Second, 5*time.Millisecond)

	// Drop the memory copy; the next read decodes the compressed frame.
	require.True(t, tc.Memory().Delete(memKey(CategoryImage, "banner")))
	val, ok := tc.Get(ctx, CategoryImage, "banner")
	require.True(t, ok)
	assert.Equal(t, big, val)
}

func TestTieredIncompressiblePayloadStoredRaw(t *testing.T) {
	durable := newStubDurable()
	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()
	ctx := context.Background()

	assert.True(t, tc.Set(ctx, CategoryImage, "tiny", []byte("x"), WithCompress()))
	assert.Eventually(t, func() bool {
		payload, ok := durable.Get(ctx, CategoryImage, "tiny")
		return ok && payload[0] == payloadRaw
	}, time.Second, 5*time.Millisecond)
}

func TestFetchTyped(t *testing.T) {
	type asset struct {
		Name  string `msgpack:"name"`
		Width int    `msgpack:"width"`
	}

	durable := newStubDurable()
	durable.put(t, CategoryTemplate, "hero", asset{Name: "hero.webp", Width: 1280})
	tc := NewTiered(context.Background(), WithDurable(durable))
	defer tc.Close()
	ctx := context.Background()

	got, ok := Fetch[asset](ctx, tc, CategoryTemplate, "hero")
	require.True(t, ok)
	assert.Equal(t, asset{Name: "hero.webp", Width: 1280}, got)

	// The typed value was promoted; the memory hit keeps the type.
	got, ok = Fetch[asset](ctx, tc, CategoryTemplate, "hero")
	require.True(t, ok)
	assert.Equal(t, "hero.webp", got.Name)

	_, ok = Fetch[asset](ctx, tc, CategoryTemplate, "absent")
	assert.False(t, ok)
}

func TestTieredWithRecorder(t *testing.T) {
	recorder := telemetry.NewRecorder(telemetry.WithHistorySize(5))
	tc := NewTiered(context.Background(), WithRecorder(recorder))
	defer tc.Close()

	tc.Set(context.Background(), CategoryImage, "k", "v")
	tc.Get(context.Background(), CategoryImage, "k")
	assert.Equal(t, uint64(1), recorder.Summary().Hits)
}
