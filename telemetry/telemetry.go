// Package telemetry records cache hit/miss outcomes with per-category
// counters, a bounded history of recent events, and a coarse time series of
// hit-rate trend samples.
//
// Counters and rates are recomputed eagerly on every record, so snapshot
// reads are pure and cheap. Event history and trend samples live in
// fixed-capacity ring buffers; the oldest entries are dropped first. An
// optional [Metrics] sink mirrors outcomes into Prometheus.
package telemetry

import (
	"encoding/json"
	"sync"
	"time"
)

// Outcome classifies a recorded cache access.
type Outcome string

const (
	OutcomeHit  Outcome = "hit"
	OutcomeMiss Outcome = "miss"
)

const (
	// DefaultHistorySize is the event ring capacity.
	DefaultHistorySize = 100
	// DefaultTrendCapacity is the trend sample ring capacity.
	DefaultTrendCapacity = 60
	// DefaultTrendInterval is the minimum gap between trend samples.
	DefaultTrendInterval = time.Minute
	// maxResourceLen bounds retained resource identifiers.
	maxResourceLen = 64
)

// Event is one recorded cache access.
type Event struct {
	Category string    `json:"category"`
	Outcome  Outcome   `json:"outcome"`
	Tier     string    `json:"tier,omitempty"`
	Resource string    `json:"resource,omitempty"`
	Time     time.Time `json:"time"`
}

// TrendSample is an aggregate hit-rate snapshot taken at most once per
// trend interval.
type TrendSample struct {
	Time    time.Time `json:"time"`
	HitRate float64   `json:"hit_rate"`
}

// CategoryStats are the counters for one category.
type CategoryStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats is a full read-only snapshot of the recorder.
type Stats struct {
	Categories map[string]CategoryStats `json:"categories"`
	Hits       uint64                   `json:"hits"`
	Misses     uint64                   `json:"misses"`
	HitRate    float64                  `json:"hit_rate"`
	Events     []Event                  `json:"events"`
	Trends     []TrendSample            `json:"trends"`
}

// Summary is a compact aggregate view.
type Summary struct {
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Categories int     `json:"categories"`
}

type config struct {
	historySize   int
	trendCapacity int
	trendInterval time.Duration
	now           func() time.Time
	metrics       Metrics
}

// Option configures a Recorder.
type Option func(*config)

// WithHistorySize sets the event ring capacity. Defaults to DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(c *config) { c.historySize = n }
}

// WithTrendCapacity sets the trend ring capacity. Defaults to DefaultTrendCapacity.
func WithTrendCapacity(n int) Option {
	return func(c *config) { c.trendCapacity = n }
}

// WithTrendInterval sets the minimum gap between trend samples.
// Defaults to DefaultTrendInterval.
func WithTrendInterval(d time.Duration) Option {
	return func(c *config) { c.trendInterval = d }
}

// WithNow overrides the time source; useful for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithMetrics mirrors recorded outcomes into an external sink.
func WithMetrics(m Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Recorder tracks hit/miss counters per category with bounded history.
// All methods are safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	categories map[string]*CategoryStats
	hits       uint64
	misses     uint64
	hitRate    float64
	events     *Ring[Event]
	trends     *Ring[TrendSample]
	lastTrend  time.Time
	cfg        config
}

// NewRecorder returns a Recorder with the given options applied.
func NewRecorder(opts ...Option) *Recorder {
	cfg := config{
		historySize:   DefaultHistorySize,
		trendCapacity: DefaultTrendCapacity,
		trendInterval: DefaultTrendInterval,
		now:           time.Now,
		metrics:       NoopMetrics{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Recorder{
		categories: make(map[string]*CategoryStats),
		events:     NewRing[Event](cfg.historySize),
		trends:     NewRing[TrendSample](cfg.trendCapacity),
		cfg:        cfg,
	}
}

// RecordHit records a successful lookup. tier identifies the tier that
// served the value (e.g. "memory", "durable"); resource is an optional
// identifier retained, truncated, in the event history.
func (r *Recorder) RecordHit(category, resource, tier string) {
	r.record(category, resource, tier, OutcomeHit)
	r.cfg.metrics.Hit(category, tier)
}

// RecordMiss records a failed lookup.
func (r *Recorder) RecordMiss(category, resource string) {
	r.record(category, resource, "", OutcomeMiss)
	r.cfg.metrics.Miss(category)
}

func (r *Recorder) record(category, resource, tier string, outcome Outcome) {
	now := r.cfg.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.categories[category]
	if !ok {
		cs = &CategoryStats{}
		r.categories[category] = cs
	}
	if outcome == OutcomeHit {
		cs.Hits++
		r.hits++
	} else {
		cs.Misses++
		r.misses++
	}
	cs.HitRate = rate(cs.Hits, cs.Misses)
	r.hitRate = rate(r.hits, r.misses)

	r.events.Push(Event{
		Category: category,
		Outcome:  outcome,
		Tier:     tier,
		Resource: truncate(resource),
		Time:     now,
	})

	// Trend samples are gated by elapsed time, not by event count.
	if r.lastTrend.IsZero() || now.Sub(r.lastTrend) >= r.cfg.trendInterval {
		r.trends.Push(TrendSample{Time: now, HitRate: r.hitRate})
		r.lastTrend = now
	}
}

// HitRate returns the overall hit rate in [0, 1].
func (r *Recorder) HitRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hitRate
}

// CategoryRate returns the hit rate for one category, or 0 when the
// category has never been touched.
func (r *Recorder) CategoryRate(category string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.categories[category]; ok {
		return cs.HitRate
	}
	return 0
}

// Stats returns a full snapshot. It never mutates recorder state, so two
// consecutive calls with no intervening records return identical values.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	categories := make(map[string]CategoryStats, len(r.categories))
	for name, cs := range r.categories {
		categories[name] = *cs
	}
	return Stats{
		Categories: categories,
		Hits:       r.hits,
		Misses:     r.misses,
		HitRate:    r.hitRate,
		Events:     r.events.Items(),
		Trends:     r.trends.Items(),
	}
}

// Summary returns a compact aggregate snapshot.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		Hits:       r.hits,
		Misses:     r.misses,
		HitRate:    r.hitRate,
		Categories: len(r.categories),
	}
}

// Reset zeroes all counters and clears both rings.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories = make(map[string]*CategoryStats)
	r.hits = 0
	r.misses = 0
	r.hitRate = 0
	r.events.Reset()
	r.trends.Reset()
	r.lastTrend = time.Time{}
}

// report is the Export wire shape.
type report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Stats
}

// Export serializes a full report as JSON for diagnostics tooling.
func (r *Recorder) Export() ([]byte, error) {
	return json.MarshalIndent(report{
		GeneratedAt: r.cfg.now(),
		Stats:       r.Stats(),
	}, "", "  ")
}

func rate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func truncate(resource string) string {
	if len(resource) > maxResourceLen {
		return resource[:maxResourceLen]
	}
	return resource
}
