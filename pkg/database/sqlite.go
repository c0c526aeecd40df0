package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// localSchema holds the on-device tables. The queue is keyed by record id with a
// unique conflict key so superseded writes are replaced row-by-row.
var localSchema = []string{
	`CREATE TABLE IF NOT EXISTS offline_queue (
		id                  TEXT PRIMARY KEY,
		type                TEXT NOT NULL,
		conflict_key        TEXT NOT NULL,
		payload             BLOB NOT NULL,
		priority            TEXT NOT NULL,
		priority_rank       INTEGER NOT NULL,
		created_at          TIMESTAMP NOT NULL,
		retry_count         INTEGER NOT NULL DEFAULT 0,
		max_retries         INTEGER NOT NULL,
		sync_status         TEXT NOT NULL,
		conflict_resolution TEXT NOT NULL,
		validation          TEXT NOT NULL,
		validation_errors   TEXT NOT NULL DEFAULT '',
		last_error          TEXT NOT NULL DEFAULT '',
		next_attempt_at     TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS offline_queue_conflict_key ON offline_queue (conflict_key)`,
	`CREATE INDEX IF NOT EXISTS offline_queue_ready ON offline_queue (sync_status, priority_rank, created_at)`,
	`CREATE TABLE IF NOT EXISTS attendance_pending_records (
		identity_key  TEXT PRIMARY KEY,
		id            TEXT NOT NULL,
		student_id    TEXT NOT NULL,
		class_id      TEXT NOT NULL,
		date          TEXT NOT NULL,
		status        TEXT NOT NULL,
		teacher_id    TEXT NOT NULL,
		marked_at     TIMESTAMP NOT NULL,
		notes         TEXT NOT NULL DEFAULT '',
		prayer_time   INTEGER NOT NULL DEFAULT 0,
		islamic_event INTEGER NOT NULL DEFAULT 0,
		sync_state    TEXT NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_conflicts (
		id           TEXT PRIMARY KEY,
		identity_key TEXT NOT NULL,
		local        BLOB NOT NULL,
		server       BLOB NOT NULL,
		types        TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		winner       TEXT NOT NULL DEFAULT '',
		reasoning    TEXT NOT NULL DEFAULT '',
		resolved     INTEGER NOT NULL DEFAULT 0,
		resolved_by  TEXT NOT NULL DEFAULT '',
		detected_at  TIMESTAMP NOT NULL,
		resolved_at  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_conflicts_identity ON attendance_conflicts (identity_key, resolved)`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		expires_at TIMESTAMP
	)`,
}

// NewSQLite opens the local store and applies the schema. A single connection is
// kept so ":memory:" databases survive across calls and writers never contend.
func NewSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if err := MigrateLocal(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// MigrateLocal creates the local tables if they do not exist yet.
func MigrateLocal(db *sqlx.DB) error {
	for _, stmt := range localSchema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate local store: %w", err)
		}
	}
	return nil
}
