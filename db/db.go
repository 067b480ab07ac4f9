// Package db is the embedded membership store: lists and their
// thresholds, members, owners, and the per-list bounce ledger. It is a
// single SQLite file per deployment; multi-process mutual exclusion for
// bounce-evaluation cycles is provided by the per-list lock files, not
// by the database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/corvid-mail/rook/logger"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS lists (
	name TEXT PRIMARY KEY,
	admin_address TEXT NOT NULL,
	post_id INTEGER NOT NULL DEFAULT 0,
	volume INTEGER NOT NULL DEFAULT 0,
	minimum_removal_date INTEGER NOT NULL,
	minimum_post_count INTEGER NOT NULL,
	automatic_bounce_action INTEGER NOT NULL,
	max_posts_between_bounces INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS list_owners (
	list_name TEXT NOT NULL REFERENCES lists(name) ON DELETE CASCADE,
	address TEXT NOT NULL,
	PRIMARY KEY (list_name, address)
);
CREATE TABLE IF NOT EXISTS members (
	list_name TEXT NOT NULL REFERENCES lists(name) ON DELETE CASCADE,
	address TEXT NOT NULL,
	digest INTEGER NOT NULL DEFAULT 0,
	delivery_enabled INTEGER NOT NULL DEFAULT 1,
	password_hash TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (list_name, address)
);
CREATE TABLE IF NOT EXISTS bounce_records (
	list_name TEXT NOT NULL REFERENCES lists(name) ON DELETE CASCADE,
	address TEXT NOT NULL,
	first_bounce_at TIMESTAMP NOT NULL,
	window_start INTEGER NOT NULL,
	window_end INTEGER NOT NULL,
	PRIMARY KEY (list_name, address)
);
CREATE INDEX IF NOT EXISTS idx_bounce_records_first_bounce_at
	ON bounce_records(list_name, first_bounce_at);
`

// Database wraps the SQLite handle.
type Database struct {
	db    *sql.DB
	debug bool
}

// Open opens (creating if necessary) the membership database at path
// and bootstraps the schema.
func Open(path string, debug bool) (*Database, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open membership database: %w", err)
	}

	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization; proceed without it.
		logger.Warn("failed to set PRAGMA journal_mode = WAL", "error", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create membership schema: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("membership database ping failed: %w", err)
	}

	return &Database{db: sqlDB, debug: debug}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	logger.Debug("closing membership database")
	return d.db.Close()
}

func (d *Database) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if d.debug {
		logger.Debug("sql exec", "query", query, "args", args)
	}
	return d.db.ExecContext(ctx, query, args...)
}

func (d *Database) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if d.debug {
		logger.Debug("sql query", "query", query, "args", args)
	}
	return d.db.QueryRowContext(ctx, query, args...)
}

func (d *Database) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if d.debug {
		logger.Debug("sql query", "query", query, "args", args)
	}
	return d.db.QueryContext(ctx, query, args...)
}
