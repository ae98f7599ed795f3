// Package registry provides persistent storage for metrics history and
// console session audit records. It is never the live-status source of
// truth for a VM — that is always the process probe in
// internal/procsearch, fronted by internal/discovery's cache — this
// package only retains historical samples and an auditable trail of
// which VM a console session was opened for, when, and its final status.
//
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required — grounded
// on the teacher's internal/registry/db.go Open()/migrate() idiom: WAL
// mode, a single migrate() run at Open, upsert via INSERT...ON CONFLICT
// DO UPDATE.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database for aegisvm registry storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics_samples (
			vm_id        TEXT NOT NULL,
			sampled_at   TEXT NOT NULL,
			cpu_percent  REAL NOT NULL,
			mem_bytes    INTEGER NOT NULL,
			mem_percent  REAL NOT NULL,
			disk_read    INTEGER NOT NULL DEFAULT 0,
			disk_write   INTEGER NOT NULL DEFAULT 0,
			net_rx       INTEGER NOT NULL DEFAULT 0,
			net_tx       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (vm_id, sampled_at)
		);

		CREATE TABLE IF NOT EXISTS console_sessions (
			id           TEXT PRIMARY KEY,
			vm_id        TEXT NOT NULL,
			protocol     TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'authenticating',
			created_at   TEXT NOT NULL DEFAULT (datetime('now')),
			closed_at    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_metrics_samples_vm_id
			ON metrics_samples(vm_id, sampled_at);
	`)
	return err
}
