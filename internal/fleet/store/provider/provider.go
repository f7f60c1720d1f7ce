// Package provider selects and opens a storage backend from configuration.
package provider

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/flocklabs/flock/internal/common/config"
	"github.com/flocklabs/flock/internal/db"
	"github.com/flocklabs/flock/internal/db/dialect"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/fleet/store/memory"
	"github.com/flocklabs/flock/internal/fleet/store/sqlite"
)

// New opens the storage backend named by cfg.Storage.Backend.
// The caller owns the returned store and must call Close.
func New(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		path := cfg.Storage.SQLitePath()
		writerDB, err := db.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite writer: %w", err)
		}
		readerDB, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writerDB.Close()
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := db.NewPool(
			sqlx.NewDb(writerDB, dialect.SQLite3),
			sqlx.NewDb(readerDB, dialect.SQLite3),
		)
		return sqlite.New(pool, dialect.SQLite3), nil

	case "postgres":
		pgDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		// pgx pools internally; one handle serves reads and writes.
		conn := sqlx.NewDb(pgDB, dialect.PGX)
		return sqlite.New(db.NewPool(conn, conn), dialect.PGX), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
