package timeline

import (
	"fmt"
	"strings"
	"time"

	"caseline/internal/config"
	"caseline/internal/evidence"
)

// Sign-in action labels, matching the unified audit log vocabulary.
const (
	ActionSignIn       = "UserLoggedIn"
	ActionSignInFailed = "UserLoginFailed"
)

// legacyProtocols are weak/legacy authentication protocols. Sign-ins over
// these are always notable regardless of origin or outcome.
var legacyProtocols = []string{"imap4", "imap", "pop3", "pop", "smtp", "authenticated smtp"}

// notableAuditOperations select the unified-audit-log operations worth a
// timeline entry. Everything else in that relation is routine noise.
var notableAuditOperations = []string{
	"transportrule",
	"inboxrule",
	"mailboxpermission",
	"recipientpermission",
	"set-mailbox",
	"export",
	"download",
	"compliancesearch",
	"add member to role",
	"consent",
	"conditionalaccess",
}

// notableMailboxOperations select mailbox operations worth a timeline entry:
// irreversible evidence destruction, rule updates, and delegation changes.
var notableMailboxOperations = []string{
	"harddelete",
	"updateinboxrules",
	"new-inboxrule",
	"set-inboxrule",
	"remove-inboxrule",
	"add-mailboxpermission",
	"add-recipientpermission",
	"addfolderpermissions",
	"modifyfolderpermissions",
	"updatecalendardelegation",
}

// notableDirectoryActivities select directory audit activities worth a
// timeline entry.
var notableDirectoryActivities = []string{
	"password",
	"role",
	"enable account",
	"disable account",
	"security info",
	"authentication method",
	"conditional access",
}

// Ingestor maps evidence records into candidate timeline events and applies
// the noise filter. A "log everything" timeline is unusable at scale, so each
// source has explicit inclusion rules tuned toward investigator signal.
type Ingestor struct {
	inv config.InvestigationConfig
}

// NewIngestor creates an ingestor with the given investigation parameters.
func NewIngestor(inv config.InvestigationConfig) *Ingestor {
	return &Ingestor{inv: inv}
}

// FromSignIn maps a sign-in record. Kept when the origin is outside the home
// jurisdiction, the attempt failed, or the protocol is legacy; a successful
// home-jurisdiction sign-in is routine and dropped.
func (in *Ingestor) FromSignIn(e evidence.SignIn) (*Event, bool) {
	foreign := !strings.EqualFold(e.Location, in.inv.HomeJurisdiction)
	legacy := matchAny(e.AuthProtocol, legacyProtocols)

	if e.Succeeded() && !foreign && !legacy {
		return nil, false
	}

	action := ActionSignIn
	severity := SeverityInfo
	if !e.Succeeded() {
		action = ActionSignInFailed
		severity = SeverityWarning
	}

	details := fmt.Sprintf("status=%s location=%s foreign=%t ip=%s app=%s protocol=%s",
		e.Status, e.Location, foreign, e.IPAddress, e.Application, e.AuthProtocol)
	if legacy {
		details += " legacy_auth=true"
	}

	return in.newEvent(SourceSignIn, e.ID, e.Timestamp, e.Principal, action, details, severity), true
}

// FromAuditOperation maps a unified-audit-log record. Kept only for notable
// operation categories.
func (in *Ingestor) FromAuditOperation(e evidence.AuditOperation) (*Event, bool) {
	if !matchAny(e.Operation, notableAuditOperations) {
		return nil, false
	}

	details := fmt.Sprintf("workload=%s ip=%s object=%s %s",
		e.Workload, e.IPAddress, e.ObjectID, e.Details)
	return in.newEvent(SourceAudit, e.ID, e.Timestamp, e.Principal, e.Operation,
		strings.TrimSpace(details), SeverityInfo), true
}

// FromMailboxOperation maps a mailbox record. Kept for irreversible-evidence
// operations, rule updates, and delegation changes; routine reads are
// dropped unless they cross the bulk threshold.
func (in *Ingestor) FromMailboxOperation(e evidence.MailboxOperation) (*Event, bool) {
	bulk := in.inv.BulkOperationThreshold > 0 && e.ItemCount >= in.inv.BulkOperationThreshold
	if !matchAny(e.Operation, notableMailboxOperations) && !bulk {
		return nil, false
	}

	severity := SeverityInfo
	if bulk {
		severity = SeverityWarning
	}

	details := fmt.Sprintf("folder=%s items=%d ip=%s", e.Folder, e.ItemCount, e.ClientIP)
	if e.ItemSubject != "" {
		details += " subject=" + e.ItemSubject
	}
	return in.newEvent(SourceMailbox, e.ID, e.Timestamp, e.Principal, e.Operation, details, severity), true
}

// FromInboxRule maps an inbox-rule change. Always kept.
func (in *Ingestor) FromInboxRule(e evidence.InboxRule) (*Event, bool) {
	details := fmt.Sprintf("rule=%q actions=%s enabled=%t ip=%s",
		e.RuleName, e.Actions, e.Enabled, e.ClientIP)
	if e.ForwardTo != "" {
		details += " forward=" + e.ForwardTo
	}
	if e.RedirectTo != "" {
		details += " redirect=" + e.RedirectTo
	}
	return in.newEvent(SourceInboxRule, e.ID, e.Timestamp, e.Principal, "New-InboxRule", details, SeverityInfo), true
}

// FromOAuthConsent maps a consent grant. Always kept.
func (in *Ingestor) FromOAuthConsent(e evidence.OAuthConsent) (*Event, bool) {
	details := fmt.Sprintf("app=%q app_id=%s scopes=%s ip=%s",
		e.AppName, e.AppID, e.Scopes, e.IPAddress)
	return in.newEvent(SourceOAuthConsent, e.ID, e.Timestamp, e.Principal, "Consent to application", details, SeverityInfo), true
}

// FromDirectoryAudit maps a directory audit record. Kept for password, role,
// account state, and authentication method activity.
func (in *Ingestor) FromDirectoryAudit(e evidence.DirectoryAudit) (*Event, bool) {
	if !matchAny(e.Activity, notableDirectoryActivities) {
		return nil, false
	}

	details := fmt.Sprintf("category=%s result=%s initiated_by=%s ip=%s",
		e.Category, e.Result, e.InitiatedBy, e.InitiatedByIP)
	return in.newEvent(SourceDirectoryAudit, e.ID, e.Timestamp, e.Principal, e.Activity, details, SeverityInfo), true
}

func (in *Ingestor) newEvent(st SourceType, recID int64, ts time.Time, principal, action, details string, severity Severity) *Event {
	return &Event{
		Hash:           EventHash(st, recID, ts, principal, action),
		Timestamp:      ts.UTC(),
		Principal:      principal,
		Action:         action,
		Details:        details,
		SourceType:     st,
		SourceRecordID: recID,
		Severity:       severity,
	}
}

// matchAny reports whether s contains any of the patterns, ignoring case on
// both sides.
func matchAny(s string, patterns []string) bool {
	lower := strings.ToLower(s)
	for _, pat := range patterns {
		if strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}
