package cache

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultQueryTimeout is the per-operation timeout for durable
	// backends. Prevents indefinite hangs on slow or unresponsive
	// storage.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultCleanupInterval controls background expired-entry cleanup.
	DefaultCleanupInterval = time.Minute
	// DefaultDurableTTL is used when Set is called with a non-positive
	// TTL.
	DefaultDurableTTL = 24 * time.Hour
)

// Durable is the category-partitioned persistent tier. Implementations
// swallow storage errors at this boundary: failures are logged and
// reported through return values, never raised, so a broken or missing
// durable tier degrades to a permanent miss/no-op instead of breaking
// callers.
type Durable interface {
	// Get returns the stored payload, or absent on miss, expiry, or
	// any storage failure.
	Get(ctx context.Context, category Category, key string) ([]byte, bool)

	// Set persists payload under (category, key) with the given TTL
	// (non-positive means the backend default). Returns false when
	// persistence fails, e.g. the payload alone exceeds the category
	// quota or the storage engine errors.
	Set(ctx context.Context, category Category, key string, payload []byte, ttl time.Duration) bool

	// Delete removes (category, key). True means deleted or already
	// absent.
	Delete(ctx context.Context, category Category, key string) bool

	// CategoryStats reports one category's usage. A failure here must
	// not stop the caller from aggregating the remaining categories.
	CategoryStats(ctx context.Context, category Category) (CategoryStats, error)

	// Categories lists the categories currently known to the tier.
	Categories(ctx context.Context) []Category

	// Clear wipes every category.
	Clear(ctx context.Context) error

	// Ready reports whether the tier is available. An unready tier
	// answers every call as a miss/no-op.
	Ready() bool

	Close() error
}

type durableConfig struct {
	queryTimeout    time.Duration
	cleanupInterval time.Duration
	defaultTTL      time.Duration
	prefix          string
	quotas          map[Category]CategoryQuota
	defaultQuota    CategoryQuota
	now             func() time.Time
}

// DurableOption configures a durable tier implementation.
type DurableOption func(*durableConfig)

func applyDurableOptions(opts []DurableOption) durableConfig {
	cfg := durableConfig{
		queryTimeout:    DefaultQueryTimeout,
		cleanupInterval: DefaultCleanupInterval,
		defaultTTL:      DefaultDurableTTL,
		quotas:          make(map[Category]CategoryQuota),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout.
// Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) DurableOption {
	return func(c *durableConfig) { c.queryTimeout = d }
}

// WithCleanupInterval sets the background expired-entry cleanup period.
// Defaults to DefaultCleanupInterval.
func WithCleanupInterval(d time.Duration) DurableOption {
	return func(c *durableConfig) { c.cleanupInterval = d }
}

// WithDurableTTL sets the TTL applied when Set receives a non-positive one.
// Defaults to DefaultDurableTTL.
func WithDurableTTL(d time.Duration) DurableOption {
	return func(c *durableConfig) { c.defaultTTL = d }
}

// WithKeyPrefix namespaces keys; applies to the Redis backend.
func WithKeyPrefix(p string) DurableOption {
	return func(c *durableConfig) { c.prefix = p }
}

// WithCategoryQuota bounds one category. Unquoted categories fall back to
// the default quota (unlimited unless WithDefaultQuota is given).
func WithCategoryQuota(category Category, quota CategoryQuota) DurableOption {
	return func(c *durableConfig) { c.quotas[category] = quota }
}

// WithDefaultQuota bounds categories without an explicit quota.
func WithDefaultQuota(quota CategoryQuota) DurableOption {
	return func(c *durableConfig) { c.defaultQuota = quota }
}

// WithDurableNow overrides the time source; useful for deterministic tests.
func WithDurableNow(now func() time.Time) DurableOption {
	return func(c *durableConfig) { c.now = now }
}

// quotaState is one category's live accounting: created lazily on first
// touch, mutated only on confirmed persistence outcomes, retained until
// Clear.
type quotaState struct {
	hits       uint64
	misses     uint64
	lastAccess time.Time
}

// quotaTracker carries per-category access accounting shared by the
// durable implementations. Item/byte usage is read from the backing store
// itself (the confirmed state); the tracker adds access recency and hit
// rates, which no backend records natively.
type quotaTracker struct {
	mu     sync.Mutex
	states map[Category]*quotaState
}

func newQuotaTracker() *quotaTracker {
	return &quotaTracker{states: make(map[Category]*quotaState)}
}

func (t *quotaTracker) stateLocked(category Category) *quotaState {
	s, ok := t.states[category]
	if !ok {
		s = &quotaState{}
		t.states[category] = s
	}
	return s
}

func (t *quotaTracker) touch(category Category, hit bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(category)
	if hit {
		s.hits++
	} else {
		s.misses++
	}
	s.lastAccess = now
}

func (t *quotaTracker) access(category Category, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(category).lastAccess = now
}

// fill copies recency and hit-rate accounting into a stats snapshot.
func (t *quotaTracker) fill(stats *CategoryStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[stats.Category]
	if !ok {
		return
	}
	stats.LastAccess = s.lastAccess
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
}

func (t *quotaTracker) categories() []Category {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Category, 0, len(t.states))
	for c := range t.states {
		out = append(out, c)
	}
	return out
}

func (t *quotaTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[Category]*quotaState)
}

// quotaFor resolves the effective quota for a category.
func (c *durableConfig) quotaFor(category Category) CategoryQuota {
	if q, ok := c.quotas[category]; ok {
		return q
	}
	return c.defaultQuota
}
