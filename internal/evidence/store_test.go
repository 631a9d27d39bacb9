package evidence_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"caseline/internal/evidence"
	"caseline/internal/evidence/evidencetest"
	"caseline/internal/logging"
)

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestOpenMissingDatabase(t *testing.T) {
	_, err := evidence.Open(filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		t.Fatal("expected error for missing evidence database")
	}
}

func TestSignInsExactPrincipalMatch(t *testing.T) {
	f := evidencetest.New(t)
	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "alice@x.com", IPAddress: "1.2.3.4"})
	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "bob@x.com", IPAddress: "1.2.3.4"})
	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "alice@x.com.evil", IPAddress: "1.2.3.4"})

	s := f.Open()

	got, err := s.SignIns("alice@x.com", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("SignIns failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 sign-in, got %d", len(got))
	}
	if got[0].Principal != "alice@x.com" {
		t.Errorf("wrong principal: %s", got[0].Principal)
	}
}

func TestWindowBoundsInclusive(t *testing.T) {
	f := evidencetest.New(t)
	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "alice@x.com"})
	f.AddSignIn(evidence.SignIn{Timestamp: base.Add(72 * time.Hour), Principal: "alice@x.com"})
	f.AddSignIn(evidence.SignIn{Timestamp: base.Add(72*time.Hour + time.Second), Principal: "alice@x.com"})

	s := f.Open()

	got, err := s.SignIns("alice@x.com", base, base.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("SignIns failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sign-ins inside inclusive window, got %d", len(got))
	}
}

func TestZeroRowsIsNotAnError(t *testing.T) {
	f := evidencetest.New(t)
	s := f.Open()

	got, err := s.MailboxOperations("nobody@x.com", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("MailboxOperations failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows, got %d", len(got))
	}
}

func TestOrphanOperations(t *testing.T) {
	f := evidencetest.New(t)

	// Sign-in from 1.2.3.4 only; operations from 5.6.7.8 are orphaned.
	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "alice@x.com", IPAddress: "1.2.3.4"})
	f.AddAuditOperation(evidence.AuditOperation{
		Timestamp: base.Add(time.Hour), Principal: "alice@x.com",
		Operation: "Set-Mailbox", IPAddress: "5.6.7.8",
	})
	f.AddAuditOperation(evidence.AuditOperation{
		Timestamp: base.Add(2 * time.Hour), Principal: "alice@x.com",
		Operation: "MailItemsAccessed", IPAddress: "1.2.3.4",
	})

	s := f.Open()

	got, err := s.OrphanOperations("alice@x.com", base, base.Add(72*time.Hour), 72*time.Hour)
	if err != nil {
		t.Fatalf("OrphanOperations failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 orphan operation, got %d", len(got))
	}
	if got[0].IPAddress != "5.6.7.8" {
		t.Errorf("wrong orphan IP: %s", got[0].IPAddress)
	}
}

func TestOrphanIgnoresFailedSignIns(t *testing.T) {
	f := evidencetest.New(t)

	// A failed sign-in does not legitimize the source IP.
	f.AddSignIn(evidence.SignIn{
		Timestamp: base, Principal: "alice@x.com",
		IPAddress: "5.6.7.8", Status: evidence.StatusFailure,
	})
	f.AddAuditOperation(evidence.AuditOperation{
		Timestamp: base.Add(time.Hour), Principal: "alice@x.com",
		Operation: "Set-Mailbox", IPAddress: "5.6.7.8",
	})

	s := f.Open()

	got, err := s.OrphanOperations("alice@x.com", base, base.Add(72*time.Hour), 72*time.Hour)
	if err != nil {
		t.Fatalf("OrphanOperations failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 orphan operation, got %d", len(got))
	}
}

func TestMalformedTimestampsSkippedAndCounted(t *testing.T) {
	f := evidencetest.New(t)
	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "alice@x.com"})
	f.AddRawSignIn("not-a-timestamp", "alice@x.com")

	s := f.Open()

	got, err := s.SignIns("alice@x.com", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("SignIns failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected malformed row skipped, got %d rows", len(got))
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.SignIns != 2 {
		t.Errorf("expected 2 sign-in rows counted, got %d", stats.SignIns)
	}
	if stats.Malformed != 1 {
		t.Errorf("expected 1 malformed row, got %d", stats.Malformed)
	}
}

func TestMalformedTimestampReported(t *testing.T) {
	f := evidencetest.New(t)
	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "alice@x.com"})
	// sqlite's datetime() accepts minute precision, so the row survives the
	// window predicate and is only rejected at scan time.
	f.AddRawSignIn("2026-03-10 09:00", "alice@x.com")

	s := f.Open()

	logPath := filepath.Join(t.TempDir(), "evidence.log")
	logger, err := logging.New(&logging.Config{
		Level:    logging.LevelWarn,
		Output:   "file",
		FilePath: logPath,
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()
	s.SetLogger(logger)

	got, err := s.SignIns("alice@x.com", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("SignIns failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected malformed row skipped, got %d rows", len(got))
	}

	out, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(out), "unparsable timestamp") ||
		!strings.Contains(string(out), "signin_events") {
		t.Errorf("skipped row not reported: %s", out)
	}
}

func TestLastSignInBefore(t *testing.T) {
	f := evidencetest.New(t)
	f.AddSignIn(evidence.SignIn{Timestamp: base.Add(-48 * time.Hour), Principal: "alice@x.com", IPAddress: "9.9.9.9"})
	f.AddSignIn(evidence.SignIn{Timestamp: base.Add(-time.Hour), Principal: "alice@x.com", IPAddress: "1.2.3.4"})

	s := f.Open()

	last, err := s.LastSignInBefore("alice@x.com", base)
	if err != nil {
		t.Fatalf("LastSignInBefore failed: %v", err)
	}
	if last == nil {
		t.Fatal("expected a sign-in")
	}
	if last.IPAddress != "1.2.3.4" {
		t.Errorf("expected most recent sign-in, got IP %s", last.IPAddress)
	}

	none, err := s.LastSignInBefore("bob@x.com", base)
	if err != nil {
		t.Fatalf("LastSignInBefore failed: %v", err)
	}
	if none != nil {
		t.Error("expected nil for unknown principal")
	}
}

func TestMaxTimestamp(t *testing.T) {
	f := evidencetest.New(t)
	s := f.Open()

	mt, err := s.MaxTimestamp()
	if err != nil {
		t.Fatalf("MaxTimestamp failed: %v", err)
	}
	if !mt.IsZero() {
		t.Errorf("expected zero time for empty database, got %v", mt)
	}

	f.AddSignIn(evidence.SignIn{Timestamp: base, Principal: "alice@x.com"})
	f.AddInboxRule(evidence.InboxRule{Timestamp: base.Add(3 * time.Hour), Principal: "alice@x.com", RuleName: "r"})

	mt, err = s.MaxTimestamp()
	if err != nil {
		t.Fatalf("MaxTimestamp failed: %v", err)
	}
	if !mt.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("expected %v, got %v", base.Add(3*time.Hour), mt)
	}
}
