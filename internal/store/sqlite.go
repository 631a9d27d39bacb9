// Package store provides SQLite-based timeline persistence for caseline.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"caseline/internal/timeline"
)

// ErrEventNotFound is returned when an event ID does not exist.
var ErrEventNotFound = errors.New("timeline event not found")

// Store is the SQLite timeline store. All writes are serialized through a
// single mutex; the daemon and CLI never share a store instance.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

var _ timeline.Store = (*Store)(nil)

// Open opens or creates the SQLite database at the given path and runs
// migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CommitBuild persists the build's events, phase markers, and build record
// in one transaction. An event whose hash already exists is absorbed; if its
// derived fields (phase, severity, technique, related set) changed, the row
// is updated in place. A full build recomputes phase markers from scratch.
// The record's counters reflect rows actually inserted or changed, so a
// marker absorbed by a unique constraint is not counted.
func (s *Store) CommitBuild(events []*timeline.Event, markers []timeline.PhaseMarker, rec *timeline.BuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.BuildType == timeline.BuildFull {
		if _, err := tx.Exec(`DELETE FROM phase_markers`); err != nil {
			return fmt.Errorf("reset phase markers: %w", err)
		}
	}

	insert, err := tx.Prepare(`
		INSERT OR IGNORE INTO timeline_events
			(event_hash, timestamp, principal, action, details, source_type, source_record_id,
			 phase, severity, mitre_technique, related)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	update, err := tx.Prepare(`
		UPDATE timeline_events
		SET details = ?, phase = ?, severity = ?, mitre_technique = ?, related = ?
		WHERE event_hash = ?
		  AND (details != ? OR phase != ? OR severity != ? OR mitre_technique != ? OR related != ?)`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer update.Close()

	for _, e := range events {
		related, err := marshalRelated(e.Related)
		if err != nil {
			return fmt.Errorf("encode related set: %w", err)
		}

		res, err := insert.Exec(e.Hash, sqlTime(e.Timestamp), e.Principal, e.Action, e.Details,
			string(e.SourceType), e.SourceRecordID, string(e.Phase), string(e.Severity),
			e.MitreTechnique, related)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.Hash, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.Hash, err)
		}
		if n > 0 {
			rec.EventsAdded++
			continue
		}

		// Hash already present: refresh derived fields if they changed.
		res, err = update.Exec(e.Details, string(e.Phase), string(e.Severity), e.MitreTechnique, related,
			e.Hash,
			e.Details, string(e.Phase), string(e.Severity), e.MitreTechnique, related)
		if err != nil {
			return fmt.Errorf("update event %s: %w", e.Hash, err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("update event %s: %w", e.Hash, err)
		} else if n > 0 {
			rec.EventsUpdated++
		}
	}

	markerStmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO phase_markers (phase, principal, timestamp, trigger_event_hash, description)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare marker insert: %w", err)
	}
	defer markerStmt.Close()

	for _, m := range markers {
		res, err := markerStmt.Exec(string(m.Phase), m.Principal, sqlTime(m.Timestamp), m.TriggerHash, m.Description)
		if err != nil {
			return fmt.Errorf("insert phase marker %s/%s: %w", m.Principal, m.Phase, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert phase marker %s/%s: %w", m.Principal, m.Phase, err)
		}
		if n > 0 {
			rec.PhasesDetected++
		}
	}

	rec.Status = timeline.BuildSucceeded
	if err := insertBuild(tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecordBuild appends a build record outside any build transaction. Used for
// failed builds.
func (s *Store) RecordBuild(rec *timeline.BuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertBuild(tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertBuild(tx *sql.Tx, rec *timeline.BuildRecord) error {
	tables, err := json.Marshal(rec.SourceTables)
	if err != nil {
		return fmt.Errorf("encode source tables: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO timeline_builds
			(build_id, build_time, build_type, events_added, events_updated, phases_detected,
			 source_tables, window_start, window_end, parameters, skipped_records, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BuildID, sqlTime(rec.BuildTime), rec.BuildType, rec.EventsAdded, rec.EventsUpdated,
		rec.PhasesDetected, string(tables), sqlTime(rec.WindowStart), sqlTime(rec.WindowEnd),
		rec.Parameters, rec.SkippedRecords, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("insert build record: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("get build record id: %w", err)
	}
	return nil
}

// LastSuccessfulBuild returns the most recent successful build record, or
// nil if no build has succeeded yet.
func (s *Store) LastSuccessfulBuild() (*timeline.BuildRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, build_id, build_time, build_type, events_added, events_updated, phases_detected,
		       source_tables, window_start, window_end, parameters, skipped_records, status, error
		FROM timeline_builds
		WHERE status = ?
		ORDER BY id DESC
		LIMIT 1`, timeline.BuildSucceeded)

	rec, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last successful build: %w", err)
	}
	return rec, nil
}

// Builds returns the most recent build records, newest first.
func (s *Store) Builds(limit int) ([]timeline.BuildRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, build_id, build_time, build_type, events_added, events_updated, phases_detected,
		       source_tables, window_start, window_end, parameters, skipped_records, status, error
		FROM timeline_builds
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var out []timeline.BuildRecord
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Exclude soft-deletes an event. The row stays in place with excluded set
// and the analyst's reason recorded.
func (s *Store) Exclude(eventID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE timeline_events SET excluded = 1, exclusion_reason = ? WHERE id = ?`,
		reason, eventID)
	if err != nil {
		return fmt.Errorf("exclude event %d: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("exclude event %d: %w", eventID, err)
	}
	if n == 0 {
		return fmt.Errorf("exclude event %d: %w", eventID, ErrEventNotFound)
	}
	return nil
}

// AddAnnotation attaches analyst commentary to an event and returns the
// annotation ID.
func (s *Store) AddAnnotation(a *timeline.Annotation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM timeline_events WHERE id = ?`, a.EventID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("annotate event %d: %w", a.EventID, ErrEventNotFound)
		}
		return 0, fmt.Errorf("annotate event %d: %w", a.EventID, err)
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO timeline_annotations (event_id, type, content, report_section, include_in_report, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.EventID, a.Type, a.Content, a.ReportSection, a.IncludeInReport, sqlTime(a.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert annotation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get annotation id: %w", err)
	}
	a.ID = id
	return id, nil
}

// Annotations returns the annotations attached to an event, oldest first.
func (s *Store) Annotations(eventID int64) ([]timeline.Annotation, error) {
	rows, err := s.db.Query(`
		SELECT id, event_id, type, content, report_section, include_in_report, created_at
		FROM timeline_annotations
		WHERE event_id = ?
		ORDER BY id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	var out []timeline.Annotation
	for rows.Next() {
		var a timeline.Annotation
		var created string
		if err := rows.Scan(&a.ID, &a.EventID, &a.Type, &a.Content, &a.ReportSection, &a.IncludeInReport, &created); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if a.CreatedAt, err = parseSQLTime(created); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Timeline returns events matching the query in time order. Excluded events
// are omitted unless the query asks for them.
func (s *Store) Timeline(q timeline.TimelineQuery) ([]timeline.Event, error) {
	query := `
		SELECT id, event_hash, timestamp, principal, action, details, source_type, source_record_id,
		       phase, severity, mitre_technique, related, excluded, exclusion_reason
		FROM timeline_events
		WHERE 1=1`
	var args []any

	if !q.IncludeExcluded {
		query += ` AND excluded = 0`
	}
	if q.Principal != "" {
		query += ` AND principal = ?`
		args = append(args, q.Principal)
	}
	if q.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(q.Phase))
	}
	if !q.From.IsZero() {
		query += ` AND datetime(timestamp) >= datetime(?)`
		args = append(args, sqlTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND datetime(timestamp) <= datetime(?)`
		args = append(args, sqlTime(q.To))
	}
	query += ` ORDER BY datetime(timestamp), id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []timeline.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Event retrieves a single event by ID.
func (s *Store) Event(id int64) (*timeline.Event, error) {
	row := s.db.QueryRow(`
		SELECT id, event_hash, timestamp, principal, action, details, source_type, source_record_id,
		       phase, severity, mitre_technique, related, excluded, exclusion_reason
		FROM timeline_events
		WHERE id = ?`, id)

	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", id, err)
	}
	return e, nil
}

// PhaseMarkers returns all phase markers in time order.
func (s *Store) PhaseMarkers() ([]timeline.PhaseMarker, error) {
	rows, err := s.db.Query(`
		SELECT id, phase, principal, timestamp, trigger_event_hash, description
		FROM phase_markers
		ORDER BY datetime(timestamp), id`)
	if err != nil {
		return nil, fmt.Errorf("query phase markers: %w", err)
	}
	defer rows.Close()

	var out []timeline.PhaseMarker
	for rows.Next() {
		var m timeline.PhaseMarker
		var phase, ts string
		if err := rows.Scan(&m.ID, &phase, &m.Principal, &ts, &m.TriggerHash, &m.Description); err != nil {
			return nil, fmt.Errorf("scan phase marker: %w", err)
		}
		m.Phase = timeline.Phase(phase)
		if m.Timestamp, err = parseSQLTime(ts); err != nil {
			return nil, fmt.Errorf("scan phase marker: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*timeline.Event, error) {
	var e timeline.Event
	var ts, sourceType, phase, severity, related string
	if err := row.Scan(&e.ID, &e.Hash, &ts, &e.Principal, &e.Action, &e.Details,
		&sourceType, &e.SourceRecordID, &phase, &severity, &e.MitreTechnique,
		&related, &e.Excluded, &e.ExclusionReason); err != nil {
		return nil, err
	}

	var err error
	if e.Timestamp, err = parseSQLTime(ts); err != nil {
		return nil, err
	}
	e.SourceType = timeline.SourceType(sourceType)
	e.Phase = timeline.Phase(phase)
	e.Severity = timeline.Severity(severity)
	if related != "" {
		if err := json.Unmarshal([]byte(related), &e.Related); err != nil {
			return nil, fmt.Errorf("decode related set: %w", err)
		}
	}
	return &e, nil
}

func scanBuild(row rowScanner) (*timeline.BuildRecord, error) {
	var rec timeline.BuildRecord
	var buildTime, tables, winStart, winEnd string
	if err := row.Scan(&rec.ID, &rec.BuildID, &buildTime, &rec.BuildType, &rec.EventsAdded,
		&rec.EventsUpdated, &rec.PhasesDetected, &tables, &winStart, &winEnd,
		&rec.Parameters, &rec.SkippedRecords, &rec.Status, &rec.Error); err != nil {
		return nil, err
	}

	var err error
	if rec.BuildTime, err = parseSQLTime(buildTime); err != nil {
		return nil, err
	}
	if rec.WindowStart, err = parseSQLTime(winStart); err != nil {
		return nil, err
	}
	if rec.WindowEnd, err = parseSQLTime(winEnd); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tables), &rec.SourceTables); err != nil {
		return nil, fmt.Errorf("decode source tables: %w", err)
	}
	return &rec, nil
}

func marshalRelated(related []string) (string, error) {
	if len(related) == 0 {
		return "", nil
	}
	b, err := json.Marshal(related)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sqlTime formats a timestamp for storage. The zero time is stored as an
// empty string so open-ended build windows round-trip cleanly.
func sqlTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSQLTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
