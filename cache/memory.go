package cache

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the memory tier's default item-count cap.
	DefaultMaxSize = 500
	// maxSweepInterval caps the background sweep period.
	maxSweepInterval = time.Minute
)

// entry is an intrusive doubly linked list element owned by the memory
// tier: head is most recently used, tail is least recently used. Entries
// are never referenced outside the tier.
type entry struct {
	key      string
	val      any
	size     int64
	accessed time.Time
	prev     *entry
	next     *entry
}

type memoryConfig struct {
	maxSize       int
	maxMemory     int64
	ttl           time.Duration
	sweepInterval time.Duration
	estimator     SizeEstimator
	onEvict       []EvictFunc
	now           func() time.Time
}

// MemoryOption configures the memory tier.
type MemoryOption func(*memoryConfig)

// WithMaxSize sets the item-count cap. Defaults to DefaultMaxSize.
func WithMaxSize(n int) MemoryOption {
	return func(c *memoryConfig) { c.maxSize = n }
}

// WithMaxMemory sets the byte budget. Zero (the default) disables
// memory-based eviction.
func WithMaxMemory(n int64) MemoryOption {
	return func(c *memoryConfig) { c.maxMemory = n }
}

// WithTTL sets the entry time-to-live, measured from the last access.
// Zero (the default) disables expiry.
func WithTTL(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.ttl = d }
}

// WithSweepInterval overrides the background sweep period.
// Defaults to min(ttl/2, one minute).
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.sweepInterval = d }
}

// WithEstimator replaces the default size estimation heuristic.
func WithEstimator(e SizeEstimator) MemoryOption {
	return func(c *memoryConfig) { c.estimator = e }
}

// WithOnEvict registers an eviction observer.
func WithOnEvict(fn EvictFunc) MemoryOption {
	return func(c *memoryConfig) { c.onEvict = append(c.onEvict, fn) }
}

// WithMemoryNow overrides the time source; useful for deterministic
// TTL tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) { c.now = now }
}

// Memory is the bounded in-memory LRU tier. Operations are O(1) (amortized
// for Set) and safe for concurrent use. After every mutating operation the
// item count is at or below the configured cap and, except for a single
// value larger than the whole budget, memory usage is at or below the
// configured budget.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	head    *entry // MRU
	tail    *entry // LRU
	usage   int64

	hits            uint64
	misses          uint64
	countEvictions  uint64
	memoryEvictions uint64
	ttlEvictions    uint64

	cfg       memoryConfig
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

// NewMemory returns a new memory tier. The background TTL sweep runs only
// when a TTL is configured and stops when Close is called or the parent
// context is cancelled.
func NewMemory(parent context.Context, opts ...MemoryOption) *Memory {
	cfg := memoryConfig{
		maxSize:   DefaultMaxSize,
		estimator: EstimateSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxSize <= 0 {
		cfg.maxSize = DefaultMaxSize
	}
	if cfg.sweepInterval <= 0 && cfg.ttl > 0 {
		cfg.sweepInterval = cfg.ttl / 2
		if cfg.sweepInterval > maxSweepInterval {
			cfg.sweepInterval = maxSweepInterval
		}
	}

	ctx, cancel := context.WithCancel(parent)
	m := &Memory{
		entries: make(map[string]*entry),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.ttl > 0 {
		m.waitGroup.Add(1)
		go m.sweep()
	}
	return m
}

// Subscribe registers an additional eviction observer after construction.
// The coordinator subscribes once per tier instance to demote evicted
// entries into the durable tier.
func (m *Memory) Subscribe(fn EvictFunc) {
	m.mu.Lock()
	m.cfg.onEvict = append(m.cfg.onEvict, fn)
	m.mu.Unlock()
}

// Get returns the value for key. A hit promotes the entry to most recently
// used and refreshes its access timestamp; an entry past its TTL is purged
// and reported absent.
func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	if m.expiredLocked(e) {
		m.evictLocked(e, EvictTTL)
		m.misses++
		return nil, false
	}
	e.accessed = m.cfg.now()
	m.moveToFrontLocked(e)
	m.hits++
	return e.val, true
}

// Has reports whether key is present and unexpired. It does not refresh
// recency, purge anything, or touch the hit/miss counters.
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && !m.expiredLocked(e)
}

// Set stores val under key using the configured size estimator.
func (m *Memory) Set(key string, val any) {
	m.SetSized(key, val, m.cfg.estimator(val))
}

// SetSized stores val under key with an explicit size estimate. An existing
// key is updated in place (adjusting memory accounting by the size delta)
// and promoted; updating never evicts the entry itself. Inserts evict from
// the tail first until the memory budget is satisfied, then one more tail
// entry if the item-count budget would be exceeded. A single value larger
// than the entire memory budget is still inserted after evicting everything
// else possible.
func (m *Memory) SetSized(key string, val any, size int64) {
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.now()
	if e, ok := m.entries[key]; ok {
		m.usage += size - e.size
		e.val = val
		e.size = size
		e.accessed = now
		m.moveToFrontLocked(e)
		// Budget may shrink on update; make room, but never by
		// evicting the entry just written.
		for m.cfg.maxMemory > 0 && m.usage > m.cfg.maxMemory && m.tail != e {
			m.evictLocked(m.tail, EvictMemory)
		}
		return
	}

	e := &entry{key: key, val: val, size: size, accessed: now}
	m.entries[key] = e
	m.pushFrontLocked(e)
	m.usage += size

	for m.cfg.maxMemory > 0 && m.usage > m.cfg.maxMemory && m.tail != e {
		m.evictLocked(m.tail, EvictMemory)
	}
	if len(m.entries) > m.cfg.maxSize {
		m.evictLocked(m.tail, EvictCount)
	}
}

// Delete removes key and reports whether it was present. Explicit deletion
// is not an eviction: no observer fires and no eviction counter moves.
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	m.unlinkLocked(e)
	delete(m.entries, key)
	return true
}

// Clear evicts every entry, notifying observers once per entry with
// EvictClear. Session hit/miss counters are preserved.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.tail != nil {
		e := m.tail
		m.unlinkLocked(e)
		delete(m.entries, e.key)
		m.notifyLocked(e, EvictClear)
	}
}

// Len returns the number of resident entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// MemoryUsage returns the estimated resident byte total.
func (m *Memory) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Stats returns a snapshot of the tier.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hitRate float64
	if total := m.hits + m.misses; total > 0 {
		hitRate = float64(m.hits) / float64(total)
	}
	return MemoryStats{
		Size:            len(m.entries),
		Capacity:        m.cfg.maxSize,
		MemoryUsage:     m.usage,
		MaxMemory:       m.cfg.maxMemory,
		Hits:            m.hits,
		Misses:          m.misses,
		HitRate:         hitRate,
		CountEvictions:  m.countEvictions,
		MemoryEvictions: m.memoryEvictions,
		TTLEvictions:    m.ttlEvictions,
	}
}

// Close stops the background sweep and waits for it. Idempotent.
func (m *Memory) Close() {
	m.once.Do(func() {
		m.cancel()
		m.waitGroup.Wait()
	})
}

// sweep proactively purges expired entries so stale memory accounting
// cannot persist indefinitely even without further access.
func (m *Memory) sweep() {
	defer m.waitGroup.Done()
	ticker := time.NewTicker(m.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for _, e := range m.entries {
				if m.expiredLocked(e) {
					m.evictLocked(e, EvictTTL)
				}
			}
			m.mu.Unlock()
		}
	}
}

// -------------------- internals (mu held) --------------------

func (m *Memory) expiredLocked(e *entry) bool {
	if m.cfg.ttl <= 0 {
		return false
	}
	return m.cfg.now().Sub(e.accessed) > m.cfg.ttl
}

func (m *Memory) pushFrontLocked(e *entry) {
	e.prev = nil
	e.next = m.head
	if m.head != nil {
		m.head.prev = e
	}
	m.head = e
	if m.tail == nil {
		m.tail = e
	}
}

func (m *Memory) moveToFrontLocked(e *entry) {
	if e == m.head {
		return
	}
	// detach
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if m.tail == e {
		m.tail = e.prev
	}
	// insert at head
	e.prev = nil
	e.next = m.head
	if m.head != nil {
		m.head.prev = e
	}
	m.head = e
	if m.tail == nil {
		m.tail = e
	}
}

func (m *Memory) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if m.head == e {
		m.head = e.next
	}
	if m.tail == e {
		m.tail = e.prev
	}
	e.prev, e.next = nil, nil
	m.usage -= e.size
	if m.usage < 0 {
		m.usage = 0
	}
}

// evictLocked removes e, updates the per-reason counter, and notifies
// observers exactly once.
func (m *Memory) evictLocked(e *entry, reason EvictReason) {
	m.unlinkLocked(e)
	delete(m.entries, e.key)
	switch reason {
	case EvictCount:
		m.countEvictions++
	case EvictMemory:
		m.memoryEvictions++
	case EvictTTL:
		m.ttlEvictions++
	}
	m.notifyLocked(e, reason)
}

// notifyLocked runs eviction observers under the lock; pass copies of
// key/value if this ever moves outside the lock.
func (m *Memory) notifyLocked(e *entry, reason EvictReason) {
	for _, fn := range m.cfg.onEvict {
		fn(e.key, e.val, reason)
	}
}
