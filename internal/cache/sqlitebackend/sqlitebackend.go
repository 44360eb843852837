// Package sqlitebackend implements cache.PersistBackend on top of a local
// SQLite file, for single-node deployments that want cache durability
// across restarts without taking a Redis dependency. The pragma set and
// connection pool sizing mirror the teacher's store.Open: WAL journaling,
// a bounded busy_timeout, and a small connection pool appropriate for an
// embedded database.
package sqlitebackend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Backend persists cache entries to a single SQLite table keyed by cache
// key, with an expires_at column so stale rows can be swept.
type Backend struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Backend, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitebackend: open: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitebackend: ping: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitebackend: migrate: %w", err)
	}

	return &Backend{db: db}, nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Load fetches key, treating an expired or absent row as a miss.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := b.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt != 0 && time.Now().UTC().Unix() > expiresAt {
		return nil, false, nil
	}
	return value, true, nil
}

// Store upserts key with value and an absolute expiry computed from ttl.
// ttl == 0 means "never expires" (expires_at stored as 0).
func (b *Backend) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl).Unix()
	}
	_, err := b.db.ExecContext(ctx, `
INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
`, key, value, expiresAt)
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}
