package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/module-comms/internal/config"
	"github.com/morezero/module-comms/pkg/db"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/msgstore"
)

const storeLogPrefix = "server:store"

// Backend is the durable store shared by the event store and the dead-letter store.
type Backend interface {
	eventstore.Backend
	msgstore.Backend
	Ping(ctx context.Context) error
}

// backingStore is an opened Backend plus its release function. A nil
// backend means events and dead letters live in memory only.
type backingStore struct {
	backend Backend
	close   func()
}

// openStore opens the backend selected by STORE_DRIVER, running Postgres
// migrations first when RUN_MIGRATIONS is set.
func openStore(ctx context.Context, cfg *config.Config) (backingStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return backingStore{}, fmt.Errorf("%s - failed to connect to database: %w", storeLogPrefix, err)
		}
		if cfg.RunMigrations {
			files, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				return backingStore{}, fmt.Errorf("%s - failed to load migrations: %w", storeLogPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, files); err != nil {
				pool.Close()
				return backingStore{}, fmt.Errorf("%s - failed to run migrations: %w", storeLogPrefix, err)
			}
		}
		slog.Info(fmt.Sprintf("%s - Using Postgres backing store", storeLogPrefix))
		return backingStore{backend: db.NewPostgresStore(pool), close: pool.Close}, nil

	case config.DriverSQLite:
		s, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return backingStore{}, fmt.Errorf("%s - failed to open sqlite store: %w", storeLogPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Using SQLite backing store at %s", storeLogPrefix, cfg.SQLitePath))
		return backingStore{backend: s, close: func() {
			if err := s.Close(); err != nil {
				slog.Warn(fmt.Sprintf("%s - failed to close sqlite store: %v", storeLogPrefix, err))
			}
		}}, nil

	case config.DriverMemory, "":
		slog.Info(fmt.Sprintf("%s - Using in-memory store only", storeLogPrefix))
		return backingStore{close: func() {}}, nil
	}
	return backingStore{}, fmt.Errorf("%s - unknown store driver %q", storeLogPrefix, cfg.StoreDriver)
}
