// Package postgres provides a PostgreSQL request store over the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"certchain/internal/infra/persistence/sqlstore"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/certchain?sslmode=disable"

	uniqueViolation = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS certification_requests (
		id TEXT PRIMARY KEY,
		ledger_id BIGINT UNIQUE,
		product_name TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		inspector_id TEXT,
		certifier_id TEXT,
		journal JSONB NOT NULL,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
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
		size_bytes BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS request_media_request_idx ON request_media (request_id)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_answers (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES certification_requests (id),
		checkpoint_id INTEGER NOT NULL,
		answer TEXT NOT NULL,
		media_url TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (request_id, checkpoint_id)
	)`,
}

// Dialect describes PostgreSQL to the shared SQL store.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "postgres",
		Schema:            schema,
		Rebind:            sqlstore.DollarPlaceholders,
		RowLock:           " FOR UPDATE",
		IsUniqueViolation: isUniqueViolation,
	}
}

// Store is a PostgreSQL-backed request store.
type Store struct {
	*sqlstore.Store
}

// NewStore connects to dsn (falling back to defaultDSN), verifies the
// connection, and applies the idempotent schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	inner, err := sqlstore.New(ctx, db, Dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
