// Package timeline turns evidence records into a canonical, deduplicated,
// phase-labeled investigation timeline.
package timeline

import "time"

// SourceType identifies the evidence relation an event was ingested from.
type SourceType string

const (
	SourceSignIn         SourceType = "signin"
	SourceAudit          SourceType = "audit"
	SourceMailbox        SourceType = "mailbox"
	SourceInboxRule      SourceType = "inbox_rule"
	SourceOAuthConsent   SourceType = "oauth_consent"
	SourceDirectoryAudit SourceType = "directory_audit"
)

// SourceTables lists the evidence relations consumed by a build.
var SourceTables = []string{
	"signin_events", "audit_operations", "mailbox_operations",
	"inbox_rules", "oauth_consents", "directory_audits",
}

// Phase is an attack-phase label.
type Phase string

const (
	PhaseInitialAccess Phase = "initial_access"
	PhasePersistence   Phase = "persistence"
	PhaseCollection    Phase = "collection"
	PhaseExfiltration  Phase = "exfiltration"
	PhaseContainment   Phase = "containment"
	PhaseEradication   Phase = "eradication"
)

// Severity indicates the importance level of a timeline event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityAlert    Severity = "alert"
	SeverityCritical Severity = "critical"
)

// Event is one canonical timeline record. Created during a build, mutated
// only via exclusion or annotation, never physically deleted.
type Event struct {
	ID              int64      `json:"id"`
	Hash            string     `json:"event_hash"`
	Timestamp       time.Time  `json:"timestamp"`
	Principal       string     `json:"principal"`
	Action          string     `json:"action"`
	Details         string     `json:"details"`
	SourceType      SourceType `json:"source_type"`
	SourceRecordID  int64      `json:"source_record_id"`
	Phase           Phase      `json:"phase,omitempty"`
	Severity        Severity   `json:"severity"`
	MitreTechnique  string     `json:"mitre_technique,omitempty"`
	Related         []string   `json:"related,omitempty"` // hashes of correlated events
	Excluded        bool       `json:"excluded"`
	ExclusionReason string     `json:"exclusion_reason,omitempty"`
}

// Annotation is analyst commentary attached to an event.
type Annotation struct {
	ID              int64     `json:"id"`
	EventID         int64     `json:"event_id"`
	Type            string    `json:"type"`
	Content         string    `json:"content"`
	ReportSection   string    `json:"report_section"`
	IncludeInReport bool      `json:"include_in_report"`
	CreatedAt       time.Time `json:"created_at"`
}

// PhaseMarker records the first qualifying event per principal per phase.
// Derived data, recomputed on full builds.
type PhaseMarker struct {
	ID          int64     `json:"id"`
	Phase       Phase     `json:"phase"`
	Principal   string    `json:"principal"`
	Timestamp   time.Time `json:"timestamp"`
	TriggerHash string    `json:"trigger_event_hash"`
	Description string    `json:"description"`
}

// Build types and statuses.
const (
	BuildFull        = "full"
	BuildIncremental = "incremental"

	BuildSucceeded = "success"
	BuildFailed    = "failed"
)

// BuildRecord is the append-only audit trail entry for one build invocation.
type BuildRecord struct {
	ID             int64     `json:"id"`
	BuildID        string    `json:"build_id"`
	BuildTime      time.Time `json:"build_time"`
	BuildType      string    `json:"build_type"`
	EventsAdded    int       `json:"events_added"`
	EventsUpdated  int       `json:"events_updated"`
	PhasesDetected int       `json:"phases_detected"`
	SourceTables   []string  `json:"source_tables"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Parameters     string    `json:"parameters"`
	SkippedRecords int64     `json:"skipped_records"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// TimelineQuery filters timeline reads. The zero value returns all
// non-excluded events in time order.
type TimelineQuery struct {
	IncludeExcluded bool
	Principal       string
	Phase           Phase
	From, To        time.Time
}

// Store is the persistence contract the builder commits through. The insert
// set and build record are committed as one unit of work.
type Store interface {
	// CommitBuild atomically persists events, phase markers, and the build
	// record, filling the record's counters. Events whose hash already
	// exists are absorbed, not duplicated.
	CommitBuild(events []*Event, markers []PhaseMarker, rec *BuildRecord) error

	// RecordBuild appends a build record outside any build transaction,
	// used for failed builds so the audit trail has no gaps.
	RecordBuild(rec *BuildRecord) error

	// LastSuccessfulBuild returns the most recent successful build record,
	// or nil if none exists.
	LastSuccessfulBuild() (*BuildRecord, error)

	// PhaseMarkers returns all persisted phase markers.
	PhaseMarkers() ([]PhaseMarker, error)

	// Exclude soft-deletes an event.
	Exclude(eventID int64, reason string) error

	// AddAnnotation attaches analyst commentary to an event.
	AddAnnotation(a *Annotation) (int64, error)

	// Timeline returns events matching the query in time order.
	Timeline(q TimelineQuery) ([]Event, error)
}
