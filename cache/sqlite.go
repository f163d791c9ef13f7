package cache

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/brandforge/mediacache/logger"
)

// SQLiteTier is a Durable implementation backed by a SQLite database
// (pure Go driver, no CGO). Payloads are stored as BLOBs keyed by
// (category, key); expiry is enforced lazily on read and by a periodic
// cleanup goroutine.
type SQLiteTier struct {
	db        *sql.DB
	log       logger.Logger
	cfg       durableConfig
	tracker   *quotaTracker
	ready     atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ Durable = (*SQLiteTier)(nil)

// NewSQLite opens (or creates) the durable tier at dbPath. If dbPath is
// empty or ":memory:", an in-memory database is used. Construction-time
// failures are the one place this tier returns errors; afterwards every
// failure degrades to a miss/no-op.
func NewSQLite(ctx context.Context, dbPath string, log logger.Logger, opts ...DurableOption) (*SQLiteTier, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	if log == nil {
		log = logger.Discard()
	}
	cfg := applyDurableOptions(opts)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database at %s", dbPath)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL mode")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		size INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		last_access INTEGER NOT NULL,
		PRIMARY KEY (category, key)
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating entries table")
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating expiry index")
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_access ON entries(category, last_access)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating access index")
	}

	childCtx, cancel := context.WithCancel(ctx)
	t := &SQLiteTier{
		db:      db,
		log:     log.WithPrefix("sqlite"),
		cfg:     cfg,
		tracker: newQuotaTracker(),
		ctx:     childCtx,
		cancel:  cancel,
	}
	t.ready.Store(true)

	t.waitGroup.Add(1)
	go t.run()

	return t, nil
}

func (t *SQLiteTier) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.cfg.queryTimeout)
}

func (t *SQLiteTier) Ready() bool {
	return t.ready.Load()
}

func (t *SQLiteTier) Get(ctx context.Context, category Category, key string) ([]byte, bool) {
	if !t.Ready() {
		return nil, false
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	now := t.cfg.now()
	var data []byte
	var expiresAt int64
	err := t.db.QueryRowContext(qctx,
		`SELECT value, expires_at FROM entries WHERE category = ? AND key = ?`,
		string(category), key,
	).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		t.tracker.touch(category, false, now)
		return nil, false
	}
	if err != nil {
		t.log.Warn("read failed for %s/%s: %v", category, key, err)
		t.tracker.touch(category, false, now)
		return nil, false
	}

	if expiresAt < now.UnixNano() {
		// Lazily delete the expired row.
		_, _ = t.db.ExecContext(qctx, `DELETE FROM entries WHERE category = ? AND key = ?`, string(category), key)
		t.tracker.touch(category, false, now)
		return nil, false
	}

	_, _ = t.db.ExecContext(qctx,
		`UPDATE entries SET last_access = ? WHERE category = ? AND key = ?`,
		now.UnixNano(), string(category), key,
	)
	t.tracker.touch(category, true, now)
	return data, true
}

func (t *SQLiteTier) Set(ctx context.Context, category Category, key string, payload []byte, ttl time.Duration) bool {
	if !t.Ready() {
		return false
	}
	quota := t.cfg.quotaFor(category)
	if quota.MaxBytes > 0 && int64(len(payload)) > quota.MaxBytes {
		// The payload alone exceeds the category quota; nothing to
		// evict that would make it fit.
		t.log.Debug("payload for %s/%s exceeds category quota (%d > %d)", category, key, len(payload), quota.MaxBytes)
		return false
	}
	if ttl <= 0 {
		ttl = t.cfg.defaultTTL
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	now := t.cfg.now()

	// Size of the row being replaced, if any, so replacement does not
	// double-count against the quota.
	var oldSize int64
	_ = t.db.QueryRowContext(qctx,
		`SELECT size FROM entries WHERE category = ? AND key = ?`,
		string(category), key,
	).Scan(&oldSize)

	if !t.evictForQuota(qctx, category, key, quota, int64(len(payload))-oldSize, oldSize > 0) {
		return false
	}

	if _, err := t.db.ExecContext(qctx,
		`INSERT INTO entries (category, key, value, size, expires_at, last_access)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			expires_at = excluded.expires_at,
			last_access = excluded.last_access`,
		string(category), key, payload, len(payload), now.Add(ttl).UnixNano(), now.UnixNano(),
	); err != nil {
		t.log.Warn("write failed for %s/%s: %v", category, key, err)
		return false
	}
	t.tracker.access(category, now)
	return true
}

// evictForQuota makes room in one category for delta more bytes and,
// unless the write replaces an existing row, one more item. Victims are the
// category's least recently accessed rows; other categories are never
// touched.
func (t *SQLiteTier) evictForQuota(ctx context.Context, category Category, incoming string, quota CategoryQuota, delta int64, replacing bool) bool {
	if quota.MaxItems <= 0 && quota.MaxBytes <= 0 {
		return true
	}
	for {
		var items int
		var bytes int64
		err := t.db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries WHERE category = ?`,
			string(category),
		).Scan(&items, &bytes)
		if err != nil {
			t.log.Warn("quota check failed for %s: %v", category, err)
			return false
		}
		needItems := items
		if !replacing {
			needItems++
		}
		overItems := quota.MaxItems > 0 && needItems > quota.MaxItems
		overBytes := quota.MaxBytes > 0 && bytes+delta > quota.MaxBytes
		if !overItems && !overBytes {
			return true
		}

		var victim string
		err = t.db.QueryRowContext(ctx,
			`SELECT key FROM entries WHERE category = ? AND key != ? ORDER BY last_access ASC LIMIT 1`,
			string(category), incoming,
		).Scan(&victim)
		if err == sql.ErrNoRows {
			// Nothing left to evict in this category.
			return !overItems && !overBytes
		}
		if err != nil {
			t.log.Warn("quota eviction scan failed for %s: %v", category, err)
			return false
		}
		if _, err := t.db.ExecContext(ctx,
			`DELETE FROM entries WHERE category = ? AND key = ?`,
			string(category), victim,
		); err != nil {
			t.log.Warn("quota eviction failed for %s/%s: %v", category, victim, err)
			return false
		}
	}
}

func (t *SQLiteTier) Delete(ctx context.Context, category Category, key string) bool {
	if !t.Ready() {
		return false
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	if _, err := t.db.ExecContext(qctx,
		`DELETE FROM entries WHERE category = ? AND key = ?`,
		string(category), key,
	); err != nil {
		t.log.Warn("delete failed for %s/%s: %v", category, key, err)
		return false
	}
	// Deleted-or-absent both count as success.
	return true
}

func (t *SQLiteTier) CategoryStats(ctx context.Context, category Category) (CategoryStats, error) {
	stats := CategoryStats{Category: category}
	if !t.Ready() {
		return stats, errors.New("sqlite tier is closed")
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	err := t.db.QueryRowContext(qctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries WHERE category = ?`,
		string(category),
	).Scan(&stats.Items, &stats.Bytes)
	if err != nil {
		return stats, errors.Wrapf(err, "collecting stats for category %s", category)
	}
	quota := t.cfg.quotaFor(category)
	stats.MaxItems = quota.MaxItems
	stats.MaxBytes = quota.MaxBytes
	t.tracker.fill(&stats)
	return stats, nil
}

func (t *SQLiteTier) Categories(ctx context.Context) []Category {
	if !t.Ready() {
		return nil
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()

	rows, err := t.db.QueryContext(qctx, `SELECT DISTINCT category FROM entries ORDER BY category`)
	if err != nil {
		t.log.Warn("listing categories failed: %v", err)
		return t.tracker.categories()
	}
	defer rows.Close()

	seen := make(map[Category]bool)
	var out []Category
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			continue
		}
		seen[Category(c)] = true
		out = append(out, Category(c))
	}
	// Categories touched but currently empty still matter to stats.
	for _, c := range t.tracker.categories() {
		if !seen[c] {
			out = append(out, c)
		}
	}
	return out
}

func (t *SQLiteTier) Clear(ctx context.Context) error {
	if !t.Ready() {
		return errors.New("sqlite tier is closed")
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	if _, err := t.db.ExecContext(qctx, `DELETE FROM entries`); err != nil {
		return errors.Wrap(err, "clearing entries")
	}
	t.tracker.reset()
	return nil
}

func (t *SQLiteTier) Close() error {
	var dbErr error
	t.once.Do(func() {
		t.ready.Store(false)
		t.cancel()
		t.waitGroup.Wait()
		dbErr = t.db.Close()
	})
	return dbErr
}

// run periodically purges expired rows so space is reclaimed even for
// entries that are never read again.
func (t *SQLiteTier) run() {
	defer t.waitGroup.Done()
	ticker := time.NewTicker(t.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := t.cfg.now().UnixNano()
			if _, err := t.db.ExecContext(t.ctx, `DELETE FROM entries WHERE expires_at < ?`, now); err != nil {
				t.log.Warn("expired entry cleanup failed: %v", err)
			}
		}
	}
}
