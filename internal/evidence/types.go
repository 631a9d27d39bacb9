// Package evidence provides read-only access to the case evidence database.
//
// The evidence database is populated by the export ingestion pipeline and is
// never written by caseline. All queries are principal-exact and bounded to
// an inclusive time range.
package evidence

import "time"

// SignIn is one identity-provider sign-in record.
type SignIn struct {
	ID           int64
	Timestamp    time.Time
	Principal    string
	IPAddress    string
	Location     string // ISO country code
	Status       string // "success" or "failure"
	FailureCode  string
	Application  string
	AuthProtocol string // e.g. "modern", "imap4", "pop3", "smtp"
	UserAgent    string
}

// Succeeded reports whether the sign-in was successful.
func (s SignIn) Succeeded() bool { return s.Status == StatusSuccess }

// Sign-in status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AuditOperation is one unified-audit-log operation record.
type AuditOperation struct {
	ID        int64
	Timestamp time.Time
	Principal string
	Operation string
	Workload  string // e.g. "Exchange", "AzureActiveDirectory", "SharePoint"
	IPAddress string
	ObjectID  string
	Details   string
}

// MailboxOperation is one mailbox access or mutation record.
type MailboxOperation struct {
	ID          int64
	Timestamp   time.Time
	Principal   string
	Operation   string // e.g. "MailItemsAccessed", "HardDelete", "UpdateInboxRules"
	Folder      string
	ItemSubject string
	ItemCount   int
	ClientIP    string
}

// InboxRule is one inbox-rule creation or change record.
type InboxRule struct {
	ID         int64
	Timestamp  time.Time
	Principal  string
	RuleName   string
	Actions    string // serialized action list from the export
	ForwardTo  string
	RedirectTo string
	Enabled    bool
	ClientIP   string
}

// Forwards reports whether the rule forwards or redirects mail externally.
func (r InboxRule) Forwards() bool { return r.ForwardTo != "" || r.RedirectTo != "" }

// OAuthConsent is one application consent-grant record.
type OAuthConsent struct {
	ID        int64
	Timestamp time.Time
	Principal string
	AppID     string
	AppName   string
	Scopes    string
	IPAddress string
}

// DirectoryAudit is one directory (Entra ID) audit record.
type DirectoryAudit struct {
	ID            int64
	Timestamp     time.Time
	Principal     string
	Activity      string
	Category      string
	Result        string
	InitiatedBy   string
	InitiatedByIP string
}

// Stats summarizes the evidence database contents.
type Stats struct {
	SignIns         int64
	AuditOperations int64
	MailboxOps      int64
	InboxRules      int64
	OAuthConsents   int64
	DirectoryAudits int64
	Malformed       int64 // rows excluded for unparsable timestamps
}
