package core

import (
	"context"
	"fmt"

	"certchain/internal/config"
	"certchain/internal/infra/persistence/memory"
	"certchain/internal/infra/persistence/postgres"
	"certchain/internal/infra/persistence/sqlite"
	"certchain/pkg/domain"
)

// StorageDriver identifies a concrete request store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = config.StorageMemory   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = config.StorageSQLite   // embedded sqlite file
	StoragePostgres StorageDriver = config.StoragePostgres // PostgreSQL server
)

// OpenRequestStore selects a backend from cfg, defaulting to sqlite. SQL
// backends apply their schema before returning.
func OpenRequestStore(ctx context.Context, cfg config.StorageConfig) (domain.RequestStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
