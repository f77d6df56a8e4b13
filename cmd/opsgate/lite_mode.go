package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/opsgate/pkg/config"
	"github.com/Mindburn-Labs/opsgate/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// openStore opens PostgreSQL when DATABASE_URL is set, SQLite under
// DATA_DIR otherwise, and creates the schema.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	var (
		db      *sql.DB
		dialect store.Dialect
		err     error
	)
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		path := cfg.SQLitePath()
		slog.InfoContext(ctx, "lite mode: using sqlite", "path", path)
		db, err = sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// One connection: the single writer is the row lock.
		db.SetMaxOpenConns(1)
		dialect = store.DialectSQLite
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		dialect = store.DialectPostgres
	}

	st := store.NewSQLStore(db, dialect)
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
