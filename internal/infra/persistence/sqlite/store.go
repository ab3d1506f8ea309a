// Package sqlite provides an embedded SQLite request store built on the pure
// Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"certchain/internal/infra/persistence/sqlstore"
)

const defaultPath = "certchain.db"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS certification_requests (
		id TEXT PRIMARY KEY,
		ledger_id INTEGER UNIQUE,
		product_name TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		inspector_id TEXT,
		certifier_id TEXT,
		journal BLOB NOT NULL,
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS certification_requests_creator_idx ON certification_requests (creator_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS certification_requests_status_idx ON certification_requests (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS request_media (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES certification_requests (id),
		position INTEGER NOT NULL,
		kind TEXT NOT NULL,
		url TEXT NOT NULL,
		object_key TEXT NOT NULL,
		hash TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS request_media_request_idx ON request_media (request_id)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_answers (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES certification_requests (id),
		checkpoint_id INTEGER NOT NULL,
		answer TEXT NOT NULL,
		media_url TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (request_id, checkpoint_id)
	)`,
}

// Dialect describes SQLite to the shared SQL store.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "sqlite",
		Schema:            schema,
		RowLock:           "",
		IsUniqueViolation: isUniqueViolation,
	}
}

// Store is a SQLite-backed request store.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the database file at path. SQLite
// serializes writers, so the pool is limited to one connection and
// AtomicUpdate's transaction is the row lock.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	inner, err := sqlstore.New(ctx, db, Dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
