package cache

import (
	"time"
)

// Category partitions durable-tier quotas and telemetry. The set of
// recognized values is open; these are the ones the engine ships with.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryTemplate Category = "template"
	CategoryAPI      Category = "api"
)

// Tier labels recorded with hit events.
const (
	TierMemory  = "memory"
	TierDurable = "durable"
)

// EvictReason explains why an entry was removed from the memory tier.
type EvictReason int

const (
	// EvictCount: removed to satisfy the item-count budget.
	EvictCount EvictReason = iota
	// EvictMemory: removed to satisfy the memory budget.
	EvictMemory
	// EvictTTL: expired by TTL (lazily on access, or by the sweep).
	EvictTTL
	// EvictClear: removed by an explicit Clear.
	EvictClear
)

// String returns a stable label for the reason.
func (r EvictReason) String() string {
	switch r {
	case EvictCount:
		return "count"
	case EvictMemory:
		return "memory"
	case EvictTTL:
		return "ttl"
	case EvictClear:
		return "clear"
	}
	return "unknown"
}

// EvictFunc observes entries leaving the memory tier. Called exactly once
// per evicted entry, under the tier lock; keep callbacks lightweight.
type EvictFunc func(key string, val any, reason EvictReason)

// MemoryStats is a point-in-time snapshot of the memory tier.
type MemoryStats struct {
	Size            int     `json:"size"`
	Capacity        int     `json:"capacity"`
	MemoryUsage     int64   `json:"memory_usage"`
	MaxMemory       int64   `json:"max_memory"`
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	HitRate         float64 `json:"hit_rate"`
	CountEvictions  uint64  `json:"count_evictions"`
	MemoryEvictions uint64  `json:"memory_evictions"`
	TTLEvictions    uint64  `json:"ttl_evictions"`
}

// CategoryStats describes one durable-tier category. When stats collection
// for a category fails, Error carries the failure and the numeric fields
// are zero; one category failing never aborts aggregation of the others.
type CategoryStats struct {
	Category   Category  `json:"category"`
	Items      int       `json:"items"`
	Bytes      int64     `json:"bytes"`
	MaxItems   int       `json:"max_items,omitempty"`
	MaxBytes   int64     `json:"max_bytes,omitempty"`
	LastAccess time.Time `json:"last_access,omitempty"`
	HitRate    float64   `json:"hit_rate"`
	Error      string    `json:"error,omitempty"`
}

// CategoryQuota bounds one category in the durable tier.
// Zero values mean unlimited.
type CategoryQuota struct {
	MaxItems int
	MaxBytes int64
}
