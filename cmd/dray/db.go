package main

import (
	"context"
	"database/sql"
	"fmt"

	"dray/pkg/protocol"

	_ "modernc.org/sqlite"
)

// openDB opens the runtime SQLite database at path and enforces
// production-safe defaults: WAL journal mode and a 5-second busy timeout.
// It also calls db.PingContext to verify the connection is usable before
// returning.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// openRuntimeDB opens the runtime database with the schema applied. The
// schema DDL is idempotent (CREATE IF NOT EXISTS) so every command can call
// this without a prior `dray init`.
func openRuntimeDB(path string) (*sql.DB, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema on %s: %w", path, err)
	}
	migrateRuntimeDB(db)
	return db, nil
}

// migrateRuntimeDB applies schema migrations to the runtime database.
// Each migration uses ALTER TABLE which errors if the column already exists;
// errors are intentionally ignored (try/ignore pattern).
func migrateRuntimeDB(db *sql.DB) {
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, protocol.MigrateTaskTiers)
	_, _ = db.ExecContext(ctx, protocol.MigrateSessionModel)
}
