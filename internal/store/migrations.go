package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with timeline events, phase markers, and builds",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add annotations table for analyst commentary",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
-- Canonical timeline events, deduplicated by content hash
CREATE TABLE IF NOT EXISTS timeline_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    event_hash       TEXT NOT NULL UNIQUE,
    timestamp        TEXT NOT NULL,
    principal        TEXT NOT NULL,
    action           TEXT NOT NULL,
    details          TEXT NOT NULL DEFAULT '',
    source_type      TEXT NOT NULL,
    source_record_id INTEGER NOT NULL,
    phase            TEXT NOT NULL DEFAULT '',
    severity         TEXT NOT NULL DEFAULT 'info',
    mitre_technique  TEXT NOT NULL DEFAULT '',
    related          TEXT NOT NULL DEFAULT '',
    excluded         INTEGER NOT NULL DEFAULT 0,
    exclusion_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON timeline_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_principal ON timeline_events(principal, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_phase ON timeline_events(phase);

-- First qualifying event per principal per phase
CREATE TABLE IF NOT EXISTS phase_markers (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    phase              TEXT NOT NULL,
    principal          TEXT NOT NULL,
    timestamp          TEXT NOT NULL,
    trigger_event_hash TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    UNIQUE (principal, phase)
);

-- Append-only build audit trail
CREATE TABLE IF NOT EXISTS timeline_builds (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id        TEXT NOT NULL UNIQUE,
    build_time      TEXT NOT NULL,
    build_type      TEXT NOT NULL,
    events_added    INTEGER NOT NULL DEFAULT 0,
    events_updated  INTEGER NOT NULL DEFAULT 0,
    phases_detected INTEGER NOT NULL DEFAULT 0,
    source_tables   TEXT NOT NULL DEFAULT '[]',
    window_start    TEXT NOT NULL DEFAULT '',
    window_end      TEXT NOT NULL DEFAULT '',
    parameters      TEXT NOT NULL DEFAULT '',
    skipped_records INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    error           TEXT NOT NULL DEFAULT ''
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS timeline_builds;
DROP TABLE IF EXISTS phase_markers;
DROP INDEX IF EXISTS idx_events_phase;
DROP INDEX IF EXISTS idx_events_principal;
DROP INDEX IF EXISTS idx_events_timestamp;
DROP TABLE IF EXISTS timeline_events;
`

const migrationV2Up = `
-- Analyst commentary attached to events
CREATE TABLE IF NOT EXISTS timeline_annotations (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id          INTEGER NOT NULL REFERENCES timeline_events(id),
    type              TEXT NOT NULL,
    content           TEXT NOT NULL,
    report_section    TEXT NOT NULL DEFAULT '',
    include_in_report INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_annotations_event ON timeline_annotations(event_id);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_annotations_event;
DROP TABLE IF EXISTS timeline_annotations;
`

// migrate applies all pending migrations.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version of the database.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}
