// Package cache is a tiered, in-process caching engine for derived binary
// payloads (encoded images and thumbnails, serialized API responses)
// held under a shared resource budget.
//
// # Tiers
//
// Two tiers with different tradeoffs are coordinated by [Tiered]:
//
//   - [Memory]: a small, volatile, bounded LRU store. Synchronous O(1)
//     operations with item-count, byte-budget, and TTL limits. The least
//     recently used entry is always the eviction victim. An eviction feed
//     ([Memory.Subscribe]) reports every forced removal exactly once.
//
//   - [Durable]: a larger, slower, category-partitioned persistent store
//     with two implementations: [NewSQLite] (modernc.org/sqlite, pure Go)
//     and [NewRedis] (github.com/redis/go-redis/v9). Every operation may
//     fail or the tier may be wholly unavailable; failures surface as
//     booleans and logged warnings, never as errors in steady state.
//
// # Coordination
//
// [Tiered.Get] serves memory hits synchronously and promotes durable hits
// into the memory tier. [Tiered.Set] writes memory synchronously and the
// durable tier best-effort in the background, so the fast path is never
// blocked by persistence. Entries evicted from memory for capacity reasons
// are demoted into the durable tier. When the durable tier is missing or
// unavailable the coordinator runs silently in memory-only mode: sets
// still succeed, misses stay misses, and nothing retries.
//
// A cache miss is indistinguishable from "never cached": the engine is an
// optimization layer, never a correctness dependency.
//
// # Categories
//
// Durable storage and telemetry are partitioned by [Category] (image,
// video, template, api). Category quotas are mutually independent:
// exhausting one category never evicts another category's entries.
//
// # Consistency
//
// A Set immediately followed by a Get for the same key observes the
// just-written value through the memory tier. There is no cross-tier
// guarantee: a concurrent reader elsewhere may observe an older durable
// value until the background write lands.
//
// # Telemetry
//
// Every read and write outcome is recorded in a
// [github.com/brandforge/mediacache/telemetry.Recorder]; [Tiered.GlobalStats]
// merges memory usage, per-category durable stats, and the session hit
// rate. One category failing stats collection never hides the others.
package cache
