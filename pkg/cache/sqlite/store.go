// Package sqlite provides an on-disk cache.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/txn2/steptracker/pkg/cache"
)

// Store implements cache.Store on a single kv table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the tracker's goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating kv table: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache key %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	const stmt = `
INSERT INTO kv (key, value, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, stmt, key, value); err != nil {
		return fmt.Errorf("writing cache key %s: %w", key, err)
	}
	return nil
}

// Keys returns every key in order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing cache keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning cache key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cache keys: %w", err)
	}
	return keys, nil
}

// Remove deletes keys in one statement.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sq.Delete("kv").Where(sq.Eq{"key": keys}).ToSql()
	if err != nil {
		return fmt.Errorf("building cache delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("removing cache keys: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing cache: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ cache.Store = (*Store)(nil)
