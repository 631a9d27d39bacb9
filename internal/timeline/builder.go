package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/evidence"
	"caseline/internal/logging"
)

// Builder runs the timeline pipeline: fetch evidence, ingest and filter,
// correlate, detect phases, and commit. One builder per timeline store;
// builds are serialized through the builder's lock so concurrent triggers
// (CLI plus watcher) never interleave writes.
type Builder struct {
	mu    sync.Mutex
	ev    *evidence.Store
	store Store
	inv   config.InvestigationConfig
	ing   *Ingestor
	corr  *Correlator
	log   *logging.Logger
}

// NewBuilder wires the pipeline components over the given stores.
func NewBuilder(ev *evidence.Store, store Store, inv config.InvestigationConfig, rules []Rule, log *logging.Logger) *Builder {
	if rules == nil {
		rules = DefaultRules(inv)
	}
	if log == nil {
		log = logging.Default()
	}
	return &Builder{
		ev:    ev,
		store: store,
		inv:   inv,
		ing:   NewIngestor(inv),
		corr:  NewCorrelator(inv, rules),
		log:   log.WithComponent("builder"),
	}
}

// Build executes one build. A full build reprocesses every evidence row; an
// incremental build starts at the last successful build's high-water mark.
// Every invocation leaves a build record, failed builds included, so the
// audit trail has no gaps.
func (b *Builder) Build(incremental bool) (*BuildRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buildType := BuildFull
	if incremental {
		buildType = BuildIncremental
	}
	rec := &BuildRecord{
		BuildID:      uuid.NewString(),
		BuildTime:    time.Now().UTC(),
		BuildType:    buildType,
		SourceTables: SourceTables,
		Parameters: fmt.Sprintf("home=%s correlation_window=%s bulk_threshold=%d dormant_days=%d",
			b.inv.HomeJurisdiction, b.inv.CorrelationWindow(), b.inv.BulkOperationThreshold, b.inv.DormantAccountDays),
	}

	var from time.Time
	if incremental {
		last, err := b.store.LastSuccessfulBuild()
		if err != nil {
			return b.fail(rec, fmt.Errorf("last successful build: %w", err))
		}
		if last != nil {
			from = last.WindowEnd
		}
	}

	to, err := b.ev.MaxTimestamp()
	if err != nil {
		return b.fail(rec, fmt.Errorf("evidence high-water mark: %w", err))
	}
	if to.IsZero() {
		to = rec.BuildTime
	}
	rec.WindowStart = from
	rec.WindowEnd = to

	b.log.Info("build started",
		"build_id", rec.BuildID,
		"type", buildType,
		"window_start", from,
		"window_end", to)

	events, err := b.collect(from, to)
	if err != nil {
		return b.fail(rec, err)
	}

	b.corr.FlagDormantReactivations(events)
	b.corr.Correlate(events)

	// An incremental build only sees new events; markers from earlier builds
	// keep their phases from being re-detected.
	var prior []PhaseMarker
	if incremental {
		if prior, err = b.store.PhaseMarkers(); err != nil {
			return b.fail(rec, fmt.Errorf("load phase markers: %w", err))
		}
	}
	markers := b.corr.DetectPhases(events, prior)

	stats, err := b.ev.Stats()
	if err != nil {
		return b.fail(rec, fmt.Errorf("evidence stats: %w", err))
	}
	rec.SkippedRecords = stats.Malformed

	if err := b.store.CommitBuild(events, markers, rec); err != nil {
		return b.fail(rec, fmt.Errorf("commit build: %w", err))
	}

	b.log.Info("build finished",
		"build_id", rec.BuildID,
		"events_added", rec.EventsAdded,
		"events_updated", rec.EventsUpdated,
		"phases_detected", rec.PhasesDetected,
		"skipped_records", rec.SkippedRecords)
	return rec, nil
}

// collect fetches every evidence relation for the window and runs the
// ingest filter, deduplicating by hash along the way.
func (b *Builder) collect(from, to time.Time) ([]*Event, error) {
	var events []*Event
	seen := map[string]bool{}

	add := func(e *Event, keep bool) {
		if !keep || seen[e.Hash] {
			return
		}
		seen[e.Hash] = true
		events = append(events, e)
	}

	signIns, err := b.ev.AllSignIns(from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch sign-ins: %w", err)
	}
	for _, r := range signIns {
		e, keep := b.ing.FromSignIn(r)
		add(e, keep)
	}

	audits, err := b.ev.AllAuditOperations(from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch audit operations: %w", err)
	}
	for _, r := range audits {
		e, keep := b.ing.FromAuditOperation(r)
		add(e, keep)
	}

	mailbox, err := b.ev.AllMailboxOperations(from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox operations: %w", err)
	}
	for _, r := range mailbox {
		e, keep := b.ing.FromMailboxOperation(r)
		add(e, keep)
	}

	rules, err := b.ev.AllInboxRules(from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox rules: %w", err)
	}
	for _, r := range rules {
		e, keep := b.ing.FromInboxRule(r)
		add(e, keep)
	}

	consents, err := b.ev.AllOAuthConsents(from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch consents: %w", err)
	}
	for _, r := range consents {
		e, keep := b.ing.FromOAuthConsent(r)
		add(e, keep)
	}

	dirAudits, err := b.ev.AllDirectoryAudits(from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch directory audits: %w", err)
	}
	for _, r := range dirAudits {
		e, keep := b.ing.FromDirectoryAudit(r)
		add(e, keep)
	}

	return events, nil
}

// fail records the failed build and returns the original error.
func (b *Builder) fail(rec *BuildRecord, err error) (*BuildRecord, error) {
	rec.Status = BuildFailed
	rec.Error = err.Error()
	if recErr := b.store.RecordBuild(rec); recErr != nil {
		b.log.Error("record failed build", "build_id", rec.BuildID, "error", recErr)
	}
	b.log.Error("build failed", "build_id", rec.BuildID, "error", err)
	return rec, err
}

// Exclude soft-deletes a timeline event.
func (b *Builder) Exclude(eventID int64, reason string) error {
	return b.store.Exclude(eventID, reason)
}

// Annotate attaches analyst commentary to an event.
func (b *Builder) Annotate(a *Annotation) (int64, error) {
	return b.store.AddAnnotation(a)
}

// Timeline returns events matching the query.
func (b *Builder) Timeline(q TimelineQuery) ([]Event, error) {
	return b.store.Timeline(q)
}
