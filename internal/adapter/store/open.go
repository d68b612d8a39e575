package store

import (
	"context"
	"fmt"
	"path/filepath"

	"afo-engine/internal/infra/config"
)

// SQLiteFile is the database file name inside store.data_dir.
const SQLiteFile = "afo.db"

// Open returns the SQL store selected by cfg.Driver. The memory driver is
// not handled here.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(filepath.Join(cfg.DataDir, SQLiteFile), cfg.MaxExecutions)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, cfg.MaxExecutions)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
