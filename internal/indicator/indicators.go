package indicator

import (
	"strings"

	"caseline/internal/evidence"
)

// Indicator is one post-authentication evidence predicate.
type Indicator interface {
	// Name is the stable identifier used in verdict output.
	Name() string

	// Evaluate runs the predicate against the evidence store. Zero matching
	// rows is a clean miss, never an error.
	Evaluate(s *evidence.Store, p Params) (Result, error)
}

// All returns the fixed indicator set in evaluation order. New indicators
// are added here, never by name dispatch.
func All() []Indicator {
	return []Indicator{
		mailboxAccess{},
		auditOperations{},
		inboxRule{},
		forwardingRule{},
		passwordChange{},
		followOnSignIn{},
		authMethodChange{},
		bulkDownload{},
		oauthConsent{},
		mfaRegistration{},
		delegateChange{},
		orphanActivity{},
	}
}

// mailboxAccess fires on any mailbox operation in the window.
type mailboxAccess struct{}

func (mailboxAccess) Name() string { return "mailbox_access" }

func (mailboxAccess) Evaluate(s *evidence.Store, p Params) (Result, error) {
	ops, err := s.MailboxOperations(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}
	return detection("mailbox_access", ConfidenceMailboxAccess, mailboxEvidence(ops)), nil
}

// auditOperations fires on any unified-audit-log operation in the window.
type auditOperations struct{}

func (auditOperations) Name() string { return "audit_operations" }

func (auditOperations) Evaluate(s *evidence.Store, p Params) (Result, error) {
	ops, err := s.AuditOperations(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}
	return detection("audit_operations", ConfidenceAuditOperation, auditEvidence(ops)), nil
}

// inboxRule fires on inbox-rule changes that do not forward or redirect.
type inboxRule struct{}

func (inboxRule) Name() string { return "inbox_rule" }

func (inboxRule) Evaluate(s *evidence.Store, p Params) (Result, error) {
	rules, err := s.InboxRules(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}

	var ev []map[string]any
	for _, r := range rules {
		if !r.Forwards() {
			ev = append(ev, ruleEvidence(r))
		}
	}
	return detection("inbox_rule", ConfidenceInboxRule, ev), nil
}

// forwardingRule fires on inbox rules that forward or redirect mail, the
// classic mailbox exfiltration persistence mechanism.
type forwardingRule struct{}

func (forwardingRule) Name() string { return "forwarding_rule" }

func (forwardingRule) Evaluate(s *evidence.Store, p Params) (Result, error) {
	rules, err := s.InboxRules(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}

	var ev []map[string]any
	for _, r := range rules {
		if r.Forwards() {
			ev = append(ev, ruleEvidence(r))
		}
	}
	return detection("forwarding_rule", ConfidenceForwardingRule, ev), nil
}

// passwordChangePatterns match directory audit activities recording a
// password change or reset.
var passwordChangePatterns = []string{
	"change user password",
	"reset user password",
	"reset password",
	"change password",
}

// passwordChange fires on directory audit password change/reset activity.
type passwordChange struct{}

func (passwordChange) Name() string { return "password_change" }

func (passwordChange) Evaluate(s *evidence.Store, p Params) (Result, error) {
	audits, err := s.DirectoryAudits(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}
	return detection("password_change", ConfidencePasswordChange,
		matchDirectoryAudits(audits, passwordChangePatterns)), nil
}

// followOnSignIn fires on further successful sign-ins from the signal IP
// after the signal event.
type followOnSignIn struct{}

func (followOnSignIn) Name() string { return "followon_signin" }

func (followOnSignIn) Evaluate(s *evidence.Store, p Params) (Result, error) {
	if p.IP == "" {
		return Result{Name: "followon_signin"}, nil
	}

	signIns, err := s.SignInsFromIP(p.Principal, p.IP, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}

	var ev []map[string]any
	for _, si := range signIns {
		// The signal sign-in itself does not count.
		if si.Succeeded() && si.Timestamp.After(p.SignalTime) {
			ev = append(ev, signInEvidence(si))
		}
	}
	return detection("followon_signin", ConfidenceFollowOnSignIn, ev), nil
}

// authMethodPatterns match directory audit activities changing existing
// authentication methods.
var authMethodPatterns = []string{
	"authentication method",
	"update user credentials",
	"strongauthentication",
	"disable strong authentication",
}

// authMethodChange fires on changes to the principal's authentication methods.
type authMethodChange struct{}

func (authMethodChange) Name() string { return "auth_method_change" }

func (authMethodChange) Evaluate(s *evidence.Store, p Params) (Result, error) {
	audits, err := s.DirectoryAudits(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}
	return detection("auth_method_change", ConfidenceAuthMethodChange,
		matchDirectoryAudits(audits, authMethodPatterns)), nil
}

// exportPatterns match audit operations recording a bulk export or download.
var exportPatterns = []string{
	"export",
	"download",
	"compliancesearch",
}

// bulkDownload fires on bulk mailbox reads or export/download operations.
type bulkDownload struct{}

func (bulkDownload) Name() string { return "bulk_download" }

func (bulkDownload) Evaluate(s *evidence.Store, p Params) (Result, error) {
	var ev []map[string]any

	ops, err := s.MailboxOperations(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}
	threshold := p.Investigation.BulkOperationThreshold
	for _, op := range ops {
		if threshold > 0 && op.ItemCount >= threshold {
			ev = append(ev, mailboxOpEvidence(op))
		}
	}

	audits, err := s.AuditOperations(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}
	for _, op := range audits {
		if matchesAny(op.Operation, exportPatterns) {
			ev = append(ev, auditOpEvidence(op))
		}
	}

	return detection("bulk_download", ConfidenceBulkDownload, ev), nil
}

// oauthConsent fires on any application consent grant in the window.
type oauthConsent struct{}

func (oauthConsent) Name() string { return "oauth_consent" }

func (oauthConsent) Evaluate(s *evidence.Store, p Params) (Result, error) {
	consents, err := s.OAuthConsents(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}

	var ev []map[string]any
	for _, c := range consents {
		ev = append(ev, map[string]any{
			"timestamp": c.Timestamp,
			"app_id":    c.AppID,
			"app_name":  c.AppName,
			"scopes":    c.Scopes,
			"ip":        c.IPAddress,
		})
	}
	return detection("oauth_consent", ConfidenceOAuthConsent, ev), nil
}

// mfaRegistrationPatterns match directory audit activities registering new
// security info for the account.
var mfaRegistrationPatterns = []string{
	"registered security info",
	"user registered",
	"register security info",
}

// mfaRegistration fires on new MFA method registration, a common attacker
// persistence step distinct from changing existing methods.
type mfaRegistration struct{}

func (mfaRegistration) Name() string { return "mfa_registration" }

func (mfaRegistration) Evaluate(s *evidence.Store, p Params) (Result, error) {
	audits, err := s.DirectoryAudits(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}
	return detection("mfa_registration", ConfidenceMFARegistration,
		matchDirectoryAudits(audits, mfaRegistrationPatterns)), nil
}

// delegateOperations are mailbox operations granting another identity access
// to the principal's mailbox or folders.
var delegateOperations = []string{
	"add-mailboxpermission",
	"remove-mailboxpermission",
	"add-recipientpermission",
	"addfolderpermissions",
	"modifyfolderpermissions",
	"updatecalendardelegation",
}

// delegateChange fires on mailbox delegate or folder permission changes.
type delegateChange struct{}

func (delegateChange) Name() string { return "delegate_access" }

func (delegateChange) Evaluate(s *evidence.Store, p Params) (Result, error) {
	ops, err := s.MailboxOperations(p.Principal, p.SignalTime, p.WindowEnd())
	if err != nil {
		return Result{}, err
	}

	var ev []map[string]any
	for _, op := range ops {
		if matchesAny(op.Operation, delegateOperations) {
			ev = append(ev, mailboxOpEvidence(op))
		}
	}
	return detection("delegate_access", ConfidenceDelegateChange, ev), nil
}

// orphanActivity fires on audit operations from an IP with no successful
// sign-in for the principal in the preceding lookback window. Unlike the
// other indicators this requires a correlated sub-query, not a plain filter.
type orphanActivity struct{}

func (orphanActivity) Name() string { return "orphan_activity" }

func (orphanActivity) Evaluate(s *evidence.Store, p Params) (Result, error) {
	ops, err := s.OrphanOperations(p.Principal, p.SignalTime, p.WindowEnd(), p.Window)
	if err != nil {
		return Result{}, err
	}
	return detection("orphan_activity", ConfidenceOrphanActivity, auditEvidence(ops)), nil
}

// matchesAny reports whether s contains any of the lowercase patterns.
func matchesAny(s string, patterns []string) bool {
	lower := strings.ToLower(s)
	for _, pat := range patterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

func matchDirectoryAudits(audits []evidence.DirectoryAudit, patterns []string) []map[string]any {
	var ev []map[string]any
	for _, a := range audits {
		if matchesAny(a.Activity, patterns) {
			ev = append(ev, map[string]any{
				"timestamp": a.Timestamp,
				"activity":  a.Activity,
				"category":  a.Category,
				"result":    a.Result,
				"ip":        a.InitiatedByIP,
			})
		}
	}
	return ev
}

func signInEvidence(si evidence.SignIn) map[string]any {
	return map[string]any{
		"timestamp":   si.Timestamp,
		"ip":          si.IPAddress,
		"location":    si.Location,
		"status":      si.Status,
		"application": si.Application,
	}
}

func auditEvidence(ops []evidence.AuditOperation) []map[string]any {
	var ev []map[string]any
	for _, op := range ops {
		ev = append(ev, auditOpEvidence(op))
	}
	return ev
}

func auditOpEvidence(op evidence.AuditOperation) map[string]any {
	return map[string]any{
		"timestamp": op.Timestamp,
		"operation": op.Operation,
		"workload":  op.Workload,
		"ip":        op.IPAddress,
		"object_id": op.ObjectID,
	}
}

func mailboxEvidence(ops []evidence.MailboxOperation) []map[string]any {
	var ev []map[string]any
	for _, op := range ops {
		ev = append(ev, mailboxOpEvidence(op))
	}
	return ev
}

func mailboxOpEvidence(op evidence.MailboxOperation) map[string]any {
	return map[string]any{
		"timestamp":  op.Timestamp,
		"operation":  op.Operation,
		"folder":     op.Folder,
		"item_count": op.ItemCount,
		"ip":         op.ClientIP,
	}
}

func ruleEvidence(r evidence.InboxRule) map[string]any {
	return map[string]any{
		"timestamp":   r.Timestamp,
		"rule_name":   r.RuleName,
		"actions":     r.Actions,
		"forward_to":  r.ForwardTo,
		"redirect_to": r.RedirectTo,
		"ip":          r.ClientIP,
	}
}
