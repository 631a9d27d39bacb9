// Package evidencetest builds throwaway evidence databases for tests.
package evidencetest

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"caseline/internal/evidence"
)

// Schema mirrors the relations the export ingestion pipeline produces.
const Schema = `
CREATE TABLE signin_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp     TEXT NOT NULL,
    principal     TEXT NOT NULL,
    ip_address    TEXT NOT NULL DEFAULT '',
    location      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'success',
    failure_code  TEXT NOT NULL DEFAULT '',
    application   TEXT NOT NULL DEFAULT '',
    auth_protocol TEXT NOT NULL DEFAULT 'modern',
    user_agent    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE audit_operations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp  TEXT NOT NULL,
    principal  TEXT NOT NULL,
    operation  TEXT NOT NULL,
    workload   TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    object_id  TEXT NOT NULL DEFAULT '',
    details    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE mailbox_operations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    TEXT NOT NULL,
    principal    TEXT NOT NULL,
    operation    TEXT NOT NULL,
    folder       TEXT NOT NULL DEFAULT '',
    item_subject TEXT NOT NULL DEFAULT '',
    item_count   INTEGER NOT NULL DEFAULT 0,
    client_ip    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE inbox_rules (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TEXT NOT NULL,
    principal   TEXT NOT NULL,
    rule_name   TEXT NOT NULL,
    actions     TEXT NOT NULL DEFAULT '',
    forward_to  TEXT NOT NULL DEFAULT '',
    redirect_to TEXT NOT NULL DEFAULT '',
    enabled     INTEGER NOT NULL DEFAULT 1,
    client_ip   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE oauth_consents (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp  TEXT NOT NULL,
    principal  TEXT NOT NULL,
    app_id     TEXT NOT NULL DEFAULT '',
    app_name   TEXT NOT NULL DEFAULT '',
    scopes     TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT ''
);

CREATE TABLE directory_audits (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    principal       TEXT NOT NULL,
    activity        TEXT NOT NULL,
    category        TEXT NOT NULL DEFAULT '',
    result          TEXT NOT NULL DEFAULT 'success',
    initiated_by    TEXT NOT NULL DEFAULT '',
    initiated_by_ip TEXT NOT NULL DEFAULT ''
);
`

// Fixture wraps a writable handle on a test evidence database.
type Fixture struct {
	t    *testing.T
	db   *sql.DB
	Path string
}

// New creates an evidence database under the test temp dir.
func New(t *testing.T) *Fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "evidence.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture database: %v", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply fixture schema: %v", err)
	}

	f := &Fixture{t: t, db: db, Path: path}
	t.Cleanup(func() { db.Close() })
	return f
}

// Open returns a read-only evidence store over the fixture.
func (f *Fixture) Open() *evidence.Store {
	f.t.Helper()
	s, err := evidence.Open(f.Path)
	if err != nil {
		f.t.Fatalf("open evidence store: %v", err)
	}
	f.t.Cleanup(func() { s.Close() })
	return s
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// AddSignIn inserts a sign-in row.
func (f *Fixture) AddSignIn(e evidence.SignIn) {
	f.t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO signin_events (timestamp, principal, ip_address, location, status, failure_code, application, auth_protocol, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts(e.Timestamp), e.Principal, e.IPAddress, e.Location, orSuccess(e.Status),
		e.FailureCode, e.Application, orModern(e.AuthProtocol), e.UserAgent,
	)
	if err != nil {
		f.t.Fatalf("insert sign-in: %v", err)
	}
}

// AddAuditOperation inserts a unified-audit-log row.
func (f *Fixture) AddAuditOperation(e evidence.AuditOperation) {
	f.t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO audit_operations (timestamp, principal, operation, workload, ip_address, object_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts(e.Timestamp), e.Principal, e.Operation, e.Workload, e.IPAddress, e.ObjectID, e.Details,
	)
	if err != nil {
		f.t.Fatalf("insert audit operation: %v", err)
	}
}

// AddMailboxOperation inserts a mailbox operation row.
func (f *Fixture) AddMailboxOperation(e evidence.MailboxOperation) {
	f.t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO mailbox_operations (timestamp, principal, operation, folder, item_subject, item_count, client_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts(e.Timestamp), e.Principal, e.Operation, e.Folder, e.ItemSubject, e.ItemCount, e.ClientIP,
	)
	if err != nil {
		f.t.Fatalf("insert mailbox operation: %v", err)
	}
}

// AddInboxRule inserts an inbox-rule row.
func (f *Fixture) AddInboxRule(e evidence.InboxRule) {
	f.t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO inbox_rules (timestamp, principal, rule_name, actions, forward_to, redirect_to, enabled, client_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts(e.Timestamp), e.Principal, e.RuleName, e.Actions, e.ForwardTo, e.RedirectTo, e.Enabled, e.ClientIP,
	)
	if err != nil {
		f.t.Fatalf("insert inbox rule: %v", err)
	}
}

// AddOAuthConsent inserts a consent-grant row.
func (f *Fixture) AddOAuthConsent(e evidence.OAuthConsent) {
	f.t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO oauth_consents (timestamp, principal, app_id, app_name, scopes, ip_address)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ts(e.Timestamp), e.Principal, e.AppID, e.AppName, e.Scopes, e.IPAddress,
	)
	if err != nil {
		f.t.Fatalf("insert oauth consent: %v", err)
	}
}

// AddDirectoryAudit inserts a directory audit row.
func (f *Fixture) AddDirectoryAudit(e evidence.DirectoryAudit) {
	f.t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO directory_audits (timestamp, principal, activity, category, result, initiated_by, initiated_by_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts(e.Timestamp), e.Principal, e.Activity, e.Category, orSuccess(e.Result), e.InitiatedBy, e.InitiatedByIP,
	)
	if err != nil {
		f.t.Fatalf("insert directory audit: %v", err)
	}
}

// AddRawSignIn inserts a sign-in row with an arbitrary timestamp string,
// for malformed-timestamp tests.
func (f *Fixture) AddRawSignIn(timestamp, principal string) {
	f.t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO signin_events (timestamp, principal) VALUES (?, ?)`,
		timestamp, principal,
	)
	if err != nil {
		f.t.Fatalf("insert raw sign-in: %v", err)
	}
}

func orSuccess(s string) string {
	if s == "" {
		return evidence.StatusSuccess
	}
	return s
}

func orModern(s string) string {
	if s == "" {
		return "modern"
	}
	return s
}
