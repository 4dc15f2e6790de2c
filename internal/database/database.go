// Package database opens the SQLite database shared by the instance registry and the
// message log.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the SQLite database at path with WAL journaling and a
// busy timeout, and applies each schema statement in order.
func Open(path string, schemas ...string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(context.Background(), db, schemas...); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a private in-memory database. Used by tests and one-shot CLI commands.
func OpenMemory(schemas ...string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every new connection to :memory: is a new database
	db.SetMaxOpenConns(1)

	if err := Migrate(context.Background(), db, schemas...); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate executes the given schema statements. They are expected to be idempotent
// (CREATE ... IF NOT EXISTS).
func Migrate(ctx context.Context, db *sql.DB, schemas ...string) error {
	for _, schema := range schemas {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}
