// Package fetchcache is a small sqlite-backed HTTP response cache used
// by chainbuild (AIA "CA Issuers" fetches) and crlfetch (CRL
// downloads), so a repeated validation run doesn't re-hit the network
// for the same URL within its freshness window.
//
// Grounded on the teacher's internal/store/sqlite.go (schema-on-open,
// mattn/go-sqlite3, WAL journal mode), reduced to a single table since
// gitstamp's cache has none of witnessd's relational event structure.
package fetchcache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS fetches (
	url         TEXT PRIMARY KEY,
	body        BLOB NOT NULL,
	fetched_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
`

// Cache is a sqlite-backed cache of URL -> response body.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// Open opens or creates the cache database at path. ttl bounds how
// long an entry is served before a refetch is required; pass 0 to
// cache entries forever (appropriate for CA certificates, which change
// rarely, but not for CRLs, which should use a short ttl).
func Open(path string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("fetchcache: create dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("fetchcache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("fetchcache: apply schema: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached body for url if present and not expired.
func (c *Cache) Get(url string) ([]byte, bool) {
	var body []byte
	var expiresAt int64
	err := c.db.QueryRow(`SELECT body, expires_at FROM fetches WHERE url = ?`, url).Scan(&body, &expiresAt)
	if err != nil {
		return nil, false
	}
	if expiresAt != 0 && time.Now().Unix() > expiresAt {
		return nil, false
	}
	return body, true
}

// Put stores body for url, expiring it after the cache's configured
// ttl (or never, if ttl is 0).
func (c *Cache) Put(url string, body []byte) error {
	now := time.Now().Unix()
	var expiresAt int64
	if c.ttl != 0 {
		expiresAt = now + int64(c.ttl.Seconds())
	}
	_, err := c.db.Exec(
		`INSERT INTO fetches (url, body, fetched_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		url, body, now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("fetchcache: put %s: %w", url, err)
	}
	return nil
}

// Purge removes all expired entries, returning the count removed.
func (c *Cache) Purge() (int64, error) {
	res, err := c.db.Exec(`DELETE FROM fetches WHERE expires_at != 0 AND expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("fetchcache: purge: %w", err)
	}
	return res.RowsAffected()
}
