// Package sqlite implements the exact-match answer cache on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/sqlstore"
)

// Cache is an exact-match answer cache keyed by query fingerprint.
type Cache struct {
	db     *sqlstore.DB
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS exact_cache (
	fingerprint TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exact_cache_expires ON exact_cache(expires_at);
`

// New creates a Cache with the given database path and default TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sqlstore.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Get returns the live entry for fingerprint. A missing or expired entry is
// a miss; a database failure is returned as an error.
func (c *Cache) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	var response string
	var createdAt, expiresAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT response, created_at, expires_at FROM exact_cache WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&response, &createdAt, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		c.errs.Add(1)
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	entry := models.CacheEntry{
		Key:       fingerprint,
		Response:  response,
		Source:    models.SourceExact,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
	}
	if entry.Expired(c.now()) {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}

	c.hits.Add(1)
	return entry, true, nil
}

// Put stores response under fingerprint, replacing any previous entry.
// A non-positive ttl uses the cache default.
func (c *Cache) Put(ctx context.Context, fingerprint, response string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now().UTC()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO exact_cache (fingerprint, response, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		fingerprint, response, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		c.errs.Add(1)
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics. Entries counts unexpired rows.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exact_cache WHERE expires_at > ?`, c.now().UnixMilli(),
	).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errs.Load(),
	}, nil
}

// Clear removes cache entries and reports how many were deleted. If
// expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expiredOnly {
		res, err = c.db.ExecContext(ctx, `DELETE FROM exact_cache WHERE expires_at <= ?`, c.now().UnixMilli())
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM exact_cache`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
