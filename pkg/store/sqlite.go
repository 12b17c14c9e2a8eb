package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	platform_id INTEGER NOT NULL,
	namespace   TEXT    NOT NULL,
	key         INTEGER NOT NULL,
	value       BLOB    NOT NULL,
	updated_at  TEXT    NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (platform_id, namespace, key)
);

CREATE TABLE IF NOT EXISTS cache_blobs (
	name       TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// SQLiteStore is an embedded-database alternative to FileStore, useful when
// a platform's cache runs to hundreds of thousands of small entries.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (and if needed initializes) a sqlite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "file:catadump.db?cache=shared&mode=rwc"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer, single process

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Put upserts a cache entry, retrying on transient lock errors.
func (s *SQLiteStore) Put(platformID int64, ns Namespace, key int64, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(context.Background(), func() error {
		_, err := s.db.Exec(`
			INSERT INTO cache_entries (platform_id, namespace, key, value, updated_at)
			VALUES (?, ?, ?, ?, datetime('now'))
			ON CONFLICT (platform_id, namespace, key) DO UPDATE
			SET value = excluded.value, updated_at = excluded.updated_at`,
			platformID, string(ns), key, data)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("put cache entry: %w", err)}
		}
		return nil
	})
}

// Get decodes a cache entry into out.
func (s *SQLiteStore) Get(platformID int64, ns Namespace, key int64, out any) error {
	var data []byte
	err := s.db.Get(&data,
		"SELECT value FROM cache_entries WHERE platform_id = ? AND namespace = ? AND key = ?",
		platformID, string(ns), key)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s/%d/%d: %v", ErrCorrupt, ns, platformID, key, err)
	}
	return nil
}

// Keys lists populated keys in numeric ascending order.
func (s *SQLiteStore) Keys(platformID int64, ns Namespace) ([]int64, error) {
	var keys []int64
	err := s.db.Select(&keys,
		"SELECT key FROM cache_entries WHERE platform_id = ? AND namespace = ? ORDER BY key",
		platformID, string(ns))
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	return keys, nil
}

// Delete removes a single entry.
func (s *SQLiteStore) Delete(platformID int64, ns Namespace, key int64) error {
	_, err := s.db.Exec(
		"DELETE FROM cache_entries WHERE platform_id = ? AND namespace = ? AND key = ?",
		platformID, string(ns), key)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteAll removes a platform's entries and status blob. For Global it
// removes the updates namespace and its status.
func (s *SQLiteStore) DeleteAll(platformID int64) error {
	if platformID == Global {
		if _, err := s.db.Exec("DELETE FROM cache_entries WHERE namespace = ?", string(Updates)); err != nil {
			return fmt.Errorf("delete updates cache: %w", err)
		}
		if _, err := s.db.Exec("DELETE FROM cache_blobs WHERE name = 'updates'"); err != nil {
			return fmt.Errorf("delete updates status: %w", err)
		}
		return nil
	}
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE platform_id = ?", platformID); err != nil {
		return fmt.Errorf("delete platform cache: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM cache_blobs WHERE name = ?", fmt.Sprintf("%d/status", platformID)); err != nil {
		return fmt.Errorf("delete platform status: %w", err)
	}
	return nil
}

// PutBlob upserts a named singleton.
func (s *SQLiteStore) PutBlob(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(context.Background(), func() error {
		_, err := s.db.Exec(`
			INSERT INTO cache_blobs (name, value, updated_at) VALUES (?, ?, datetime('now'))
			ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			name, data)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("put blob %s: %w", name, err)}
		}
		return nil
	})
}

// GetBlob decodes a named singleton into out.
func (s *SQLiteStore) GetBlob(name string, out any) error {
	var data []byte
	err := s.db.Get(&data, "SELECT value FROM cache_blobs WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get blob %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: blob %s: %v", ErrCorrupt, name, err)
	}
	return nil
}

// criticalError wraps an error to signal repeater to stop retrying
type criticalError struct {
	err error
}

func (e *criticalError) Error() string {
	return e.err.Error()
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
