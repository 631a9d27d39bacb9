package evidence

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"caseline/internal/logging"
)

// Store provides read access to the evidence database.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens the evidence database read-only. A missing database file is a
// configuration error, never treated as an empty evidence set.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("evidence database not found: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open evidence database: %w", err)
	}

	// Fail fast on an unreadable or non-sqlite file.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("evidence database unreachable: %w", err)
	}

	return &Store{db: db, log: logging.Default().WithComponent("evidence")}, nil
}

// SetLogger replaces the store's logger. Malformed rows skipped during scans
// are reported through it.
func (s *Store) SetLogger(l *logging.Logger) {
	if l != nil {
		s.log = l.WithComponent("evidence")
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// timeFormats are the accepted source timestamp encodings, tried in order.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTime parses a source timestamp string.
func ParseTime(s string) (time.Time, error) {
	for _, f := range timeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp: %q", s)
}

const signInColumns = `id, timestamp, principal, ip_address, location, status,
	failure_code, application, auth_protocol, user_agent`

// timeWindow is the shared inclusive-bound window predicate. Source rows with
// unparsable timestamps yield NULL from datetime() and fall out of the range;
// they are counted separately by Stats.
const timeWindow = `datetime(timestamp) >= datetime(?) AND datetime(timestamp) <= datetime(?)`

// SignIns returns sign-in events for a principal within [from, to].
func (s *Store) SignIns(principal string, from, to time.Time) ([]SignIn, error) {
	rows, err := s.db.Query(`
		SELECT `+signInColumns+`
		FROM signin_events
		WHERE principal = ? AND `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		principal, sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query sign-ins: %w", err)
	}
	defer rows.Close()

	return s.scanSignIns(rows)
}

// SignInsFromIP returns sign-in events for a principal from a specific IP
// within [from, to].
func (s *Store) SignInsFromIP(principal, ip string, from, to time.Time) ([]SignIn, error) {
	rows, err := s.db.Query(`
		SELECT `+signInColumns+`
		FROM signin_events
		WHERE principal = ? AND ip_address = ? AND `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		principal, ip, sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query sign-ins from ip: %w", err)
	}
	defer rows.Close()

	return s.scanSignIns(rows)
}

// AllSignIns returns every sign-in event within [from, to].
func (s *Store) AllSignIns(from, to time.Time) ([]SignIn, error) {
	rows, err := s.db.Query(`
		SELECT `+signInColumns+`
		FROM signin_events
		WHERE `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query all sign-ins: %w", err)
	}
	defer rows.Close()

	return s.scanSignIns(rows)
}

// LastSignInBefore returns the most recent sign-in for a principal strictly
// before t, or nil if none exists.
func (s *Store) LastSignInBefore(principal string, t time.Time) (*SignIn, error) {
	rows, err := s.db.Query(`
		SELECT `+signInColumns+`
		FROM signin_events
		WHERE principal = ? AND datetime(timestamp) < datetime(?)
		ORDER BY datetime(timestamp) DESC
		LIMIT 1`,
		principal, sqlTime(t),
	)
	if err != nil {
		return nil, fmt.Errorf("query last sign-in: %w", err)
	}
	defer rows.Close()

	signIns, err := s.scanSignIns(rows)
	if err != nil {
		return nil, err
	}
	if len(signIns) == 0 {
		return nil, nil
	}
	return &signIns[0], nil
}

const auditColumns = `id, timestamp, principal, operation, workload, ip_address, object_id, details`

// AuditOperations returns unified-audit-log operations for a principal
// within [from, to].
func (s *Store) AuditOperations(principal string, from, to time.Time) ([]AuditOperation, error) {
	rows, err := s.db.Query(`
		SELECT `+auditColumns+`
		FROM audit_operations
		WHERE principal = ? AND `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		principal, sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit operations: %w", err)
	}
	defer rows.Close()

	return s.scanAuditOperations(rows)
}

// AllAuditOperations returns every audit operation within [from, to].
func (s *Store) AllAuditOperations(from, to time.Time) ([]AuditOperation, error) {
	rows, err := s.db.Query(`
		SELECT `+auditColumns+`
		FROM audit_operations
		WHERE `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query all audit operations: %w", err)
	}
	defer rows.Close()

	return s.scanAuditOperations(rows)
}

// OrphanOperations returns audit operations for a principal within [from, to]
// originating from an IP with no successful sign-in for that principal in the
// lookback window preceding the operation. These indicate token replay
// without fresh authentication.
func (s *Store) OrphanOperations(principal string, from, to time.Time, lookback time.Duration) ([]AuditOperation, error) {
	modifier := fmt.Sprintf("-%d hours", int(lookback.Hours()))

	rows, err := s.db.Query(`
		SELECT `+auditColumns+`
		FROM audit_operations AS a
		WHERE a.principal = ?
		  AND a.ip_address <> ''
		  AND datetime(a.timestamp) >= datetime(?) AND datetime(a.timestamp) <= datetime(?)
		  AND NOT EXISTS (
		    SELECT 1 FROM signin_events AS s
		    WHERE s.principal = a.principal
		      AND s.ip_address = a.ip_address
		      AND s.status = 'success'
		      AND datetime(s.timestamp) >= datetime(a.timestamp, ?)
		      AND datetime(s.timestamp) <= datetime(a.timestamp)
		  )
		ORDER BY datetime(a.timestamp) ASC`,
		principal, sqlTime(from), sqlTime(to), modifier,
	)
	if err != nil {
		return nil, fmt.Errorf("query orphan operations: %w", err)
	}
	defer rows.Close()

	return s.scanAuditOperations(rows)
}

const mailboxColumns = `id, timestamp, principal, operation, folder, item_subject, item_count, client_ip`

// MailboxOperations returns mailbox operations for a principal within [from, to].
func (s *Store) MailboxOperations(principal string, from, to time.Time) ([]MailboxOperation, error) {
	rows, err := s.db.Query(`
		SELECT `+mailboxColumns+`
		FROM mailbox_operations
		WHERE principal = ? AND `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		principal, sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query mailbox operations: %w", err)
	}
	defer rows.Close()

	return s.scanMailboxOperations(rows)
}

// AllMailboxOperations returns every mailbox operation within [from, to].
func (s *Store) AllMailboxOperations(from, to time.Time) ([]MailboxOperation, error) {
	rows, err := s.db.Query(`
		SELECT `+mailboxColumns+`
		FROM mailbox_operations
		WHERE `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query all mailbox operations: %w", err)
	}
	defer rows.Close()

	return s.scanMailboxOperations(rows)
}

const inboxRuleColumns = `id, timestamp, principal, rule_name, actions, forward_to, redirect_to, enabled, client_ip`

// InboxRules returns inbox-rule changes for a principal within [from, to].
func (s *Store) InboxRules(principal string, from, to time.Time) ([]InboxRule, error) {
	rows, err := s.db.Query(`
		SELECT `+inboxRuleColumns+`
		FROM inbox_rules
		WHERE principal = ? AND `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		principal, sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query inbox rules: %w", err)
	}
	defer rows.Close()

	return s.scanInboxRules(rows)
}

// AllInboxRules returns every inbox-rule change within [from, to].
func (s *Store) AllInboxRules(from, to time.Time) ([]InboxRule, error) {
	rows, err := s.db.Query(`
		SELECT `+inboxRuleColumns+`
		FROM inbox_rules
		WHERE `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query all inbox rules: %w", err)
	}
	defer rows.Close()

	return s.scanInboxRules(rows)
}

const consentColumns = `id, timestamp, principal, app_id, app_name, scopes, ip_address`

// OAuthConsents returns consent grants for a principal within [from, to].
func (s *Store) OAuthConsents(principal string, from, to time.Time) ([]OAuthConsent, error) {
	rows, err := s.db.Query(`
		SELECT `+consentColumns+`
		FROM oauth_consents
		WHERE principal = ? AND `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		principal, sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query oauth consents: %w", err)
	}
	defer rows.Close()

	return s.scanOAuthConsents(rows)
}

// AllOAuthConsents returns every consent grant within [from, to].
func (s *Store) AllOAuthConsents(from, to time.Time) ([]OAuthConsent, error) {
	rows, err := s.db.Query(`
		SELECT `+consentColumns+`
		FROM oauth_consents
		WHERE `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query all oauth consents: %w", err)
	}
	defer rows.Close()

	return s.scanOAuthConsents(rows)
}

const directoryColumns = `id, timestamp, principal, activity, category, result, initiated_by, initiated_by_ip`

// DirectoryAudits returns directory audit records for a principal within [from, to].
func (s *Store) DirectoryAudits(principal string, from, to time.Time) ([]DirectoryAudit, error) {
	rows, err := s.db.Query(`
		SELECT `+directoryColumns+`
		FROM directory_audits
		WHERE principal = ? AND `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		principal, sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query directory audits: %w", err)
	}
	defer rows.Close()

	return s.scanDirectoryAudits(rows)
}

// AllDirectoryAudits returns every directory audit record within [from, to].
func (s *Store) AllDirectoryAudits(from, to time.Time) ([]DirectoryAudit, error) {
	rows, err := s.db.Query(`
		SELECT `+directoryColumns+`
		FROM directory_audits
		WHERE `+timeWindow+`
		ORDER BY datetime(timestamp) ASC`,
		sqlTime(from), sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query all directory audits: %w", err)
	}
	defer rows.Close()

	return s.scanDirectoryAudits(rows)
}

// Stats returns per-relation row counts and the number of rows carrying
// unparsable timestamps across all relations.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{}

	counts := []struct {
		table string
		dst   *int64
	}{
		{"signin_events", &st.SignIns},
		{"audit_operations", &st.AuditOperations},
		{"mailbox_operations", &st.MailboxOps},
		{"inbox_rules", &st.InboxRules},
		{"oauth_consents", &st.OAuthConsents},
		{"directory_audits", &st.DirectoryAudits},
	}

	for _, c := range counts {
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}

		var malformed int64
		err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + c.table +
			` WHERE timestamp IS NULL OR datetime(timestamp) IS NULL`).Scan(&malformed)
		if err != nil {
			return nil, fmt.Errorf("count malformed %s: %w", c.table, err)
		}
		st.Malformed += malformed
	}

	return st, nil
}

// MaxTimestamp returns the latest parseable timestamp across all evidence
// relations, used as the incremental build high-water mark. Returns the zero
// time if the database is empty.
func (s *Store) MaxTimestamp() (time.Time, error) {
	var max sql.NullString
	err := s.db.QueryRow(`
		SELECT MAX(ts) FROM (
			SELECT MAX(datetime(timestamp)) AS ts FROM signin_events
			UNION ALL SELECT MAX(datetime(timestamp)) FROM audit_operations
			UNION ALL SELECT MAX(datetime(timestamp)) FROM mailbox_operations
			UNION ALL SELECT MAX(datetime(timestamp)) FROM inbox_rules
			UNION ALL SELECT MAX(datetime(timestamp)) FROM oauth_consents
			UNION ALL SELECT MAX(datetime(timestamp)) FROM directory_audits
		)`).Scan(&max)
	if err != nil {
		return time.Time{}, fmt.Errorf("query max timestamp: %w", err)
	}
	if !max.Valid {
		return time.Time{}, nil
	}
	return ParseTime(max.String)
}

// sqlTime encodes a timestamp for the window predicates.
func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func (s *Store) skipMalformed(table string, id int64, ts string) {
	s.log.Warn("skipping record with unparsable timestamp",
		"table", table, "id", id, "timestamp", ts)
}

func (s *Store) scanSignIns(rows *sql.Rows) ([]SignIn, error) {
	var out []SignIn
	for rows.Next() {
		var e SignIn
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Principal, &e.IPAddress, &e.Location,
			&e.Status, &e.FailureCode, &e.Application, &e.AuthProtocol, &e.UserAgent); err != nil {
			return nil, fmt.Errorf("scan sign-in: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			// Malformed timestamps are skipped, not fatal.
			s.skipMalformed("signin_events", e.ID, ts)
			continue
		}
		e.Timestamp = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sign-ins: %w", err)
	}
	return out, nil
}

func (s *Store) scanAuditOperations(rows *sql.Rows) ([]AuditOperation, error) {
	var out []AuditOperation
	for rows.Next() {
		var e AuditOperation
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Principal, &e.Operation, &e.Workload,
			&e.IPAddress, &e.ObjectID, &e.Details); err != nil {
			return nil, fmt.Errorf("scan audit operation: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			s.skipMalformed("audit_operations", e.ID, ts)
			continue
		}
		e.Timestamp = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit operations: %w", err)
	}
	return out, nil
}

func (s *Store) scanMailboxOperations(rows *sql.Rows) ([]MailboxOperation, error) {
	var out []MailboxOperation
	for rows.Next() {
		var e MailboxOperation
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Principal, &e.Operation, &e.Folder,
			&e.ItemSubject, &e.ItemCount, &e.ClientIP); err != nil {
			return nil, fmt.Errorf("scan mailbox operation: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			s.skipMalformed("mailbox_operations", e.ID, ts)
			continue
		}
		e.Timestamp = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mailbox operations: %w", err)
	}
	return out, nil
}

func (s *Store) scanInboxRules(rows *sql.Rows) ([]InboxRule, error) {
	var out []InboxRule
	for rows.Next() {
		var e InboxRule
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Principal, &e.RuleName, &e.Actions,
			&e.ForwardTo, &e.RedirectTo, &e.Enabled, &e.ClientIP); err != nil {
			return nil, fmt.Errorf("scan inbox rule: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			s.skipMalformed("inbox_rules", e.ID, ts)
			continue
		}
		e.Timestamp = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox rules: %w", err)
	}
	return out, nil
}

func (s *Store) scanOAuthConsents(rows *sql.Rows) ([]OAuthConsent, error) {
	var out []OAuthConsent
	for rows.Next() {
		var e OAuthConsent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Principal, &e.AppID, &e.AppName,
			&e.Scopes, &e.IPAddress); err != nil {
			return nil, fmt.Errorf("scan oauth consent: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			s.skipMalformed("oauth_consents", e.ID, ts)
			continue
		}
		e.Timestamp = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oauth consents: %w", err)
	}
	return out, nil
}

func (s *Store) scanDirectoryAudits(rows *sql.Rows) ([]DirectoryAudit, error) {
	var out []DirectoryAudit
	for rows.Next() {
		var e DirectoryAudit
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Principal, &e.Activity, &e.Category,
			&e.Result, &e.InitiatedBy, &e.InitiatedByIP); err != nil {
			return nil, fmt.Errorf("scan directory audit: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			s.skipMalformed("directory_audits", e.ID, ts)
			continue
		}
		e.Timestamp = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directory audits: %w", err)
	}
	return out, nil
}
