// Package store persists the sync engine's durable state: per-peripheral
// delivery status, the retry queue, the peripheral registry, and sync
// metadata. Everything is write-through so state survives abrupt process
// termination.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with tempod's sqlite configuration.
type DB struct {
	*sql.DB
}

// Open opens the tempod database under dataDir, creating the directory as
// needed. WAL mode for crash safety, one writer (sqlite's constraint).
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tempod.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_status (
			peripheral_id        TEXT NOT NULL,
			profile_id           TEXT NOT NULL,
			last_sync_attempt    TEXT NOT NULL DEFAULT '',
			last_successful_sync TEXT NOT NULL DEFAULT '',
			synced_checksum      TEXT NOT NULL DEFAULT '',
			synced_event_count   INTEGER NOT NULL DEFAULT 0,
			is_data_current      INTEGER NOT NULL DEFAULT 0,
			pending_retries      INTEGER NOT NULL DEFAULT 0,
			max_retries          INTEGER NOT NULL DEFAULT 5,
			next_retry_at        TEXT NOT NULL DEFAULT '',
			failure_reason       TEXT NOT NULL DEFAULT '',
			history              TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (peripheral_id, profile_id)
		)`,
		`CREATE TABLE IF NOT EXISTS retry_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			peripheral_id TEXT NOT NULL,
			profile_id    TEXT NOT NULL,
			scheduled_at  TEXT NOT NULL,
			attempt       INTEGER NOT NULL,
			max_attempts  INTEGER NOT NULL,
			priority      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS peripherals (
			id                TEXT PRIMARY KEY,
			nickname          TEXT NOT NULL DEFAULT '',
			profile_id        TEXT NOT NULL DEFAULT '',
			last_connected_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
