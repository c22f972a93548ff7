// Package persistence selects and opens the configured persistent store.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"obddash/internal/infra/persistence/memory"
	"obddash/internal/infra/persistence/postgres"
	"obddash/internal/infra/persistence/sqlite"
	"obddash/internal/infra/persistence/sqlstore"
	"obddash/pkg/domain"
)

// Supported storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects a storage backend.
type Config struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN         string
	AutoMigrate bool
}

// Store is a persistent store with schema management.
type Store interface {
	domain.PersistentStore
	Migrate(ctx context.Context) ([]sqlstore.MigrationState, error)
	MigrationStatus(ctx context.Context) ([]sqlstore.MigrationState, error)
}

// memoryStore has no schema; migrations are a no-op.
type memoryStore struct {
	*memory.Store
}

func (memoryStore) Migrate(context.Context) ([]sqlstore.MigrationState, error) { return nil, nil }

func (memoryStore) MigrationStatus(context.Context) ([]sqlstore.MigrationState, error) {
	return nil, nil
}

// Open constructs the store named by cfg.Driver, defaulting to sqlite, and
// applies pending migrations when AutoMigrate is set.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case DriverMemory:
		return memoryStore{Store: memory.NewStore()}, nil
	case "", DriverSQLite:
		var s *sqlite.Store
		s, err = sqlite.NewStore(ctx, cfg.Path)
		store = s
	case DriverPostgres, "postgresql":
		var s *postgres.Store
		s, err = postgres.NewStore(ctx, cfg.DSN)
		store = s
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if _, err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store, nil
}
