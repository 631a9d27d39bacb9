package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"caseline/internal/timeline"
)

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func event(id int64, principal string, at time.Time) *timeline.Event {
	action := "UserLoggedIn"
	return &timeline.Event{
		Hash:           timeline.EventHash(timeline.SourceSignIn, id, at, principal, action),
		Timestamp:      at,
		Principal:      principal,
		Action:         action,
		Details:        "status=success location=DE foreign=true",
		SourceType:     timeline.SourceSignIn,
		SourceRecordID: id,
		Phase:          timeline.PhaseInitialAccess,
		Severity:       timeline.SeverityWarning,
	}
}

var buildSeq int

func buildRec(buildType string) *timeline.BuildRecord {
	buildSeq++
	return &timeline.BuildRecord{
		BuildID:      fmt.Sprintf("%s-%d", buildType, buildSeq),
		BuildTime:    time.Now().UTC(),
		BuildType:    buildType,
		SourceTables: timeline.SourceTables,
		WindowEnd:    base.Add(24 * time.Hour),
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}
}

func TestCommitBuildIdempotent(t *testing.T) {
	s := openStore(t)
	events := []*timeline.Event{
		event(1, "alice@example.com", base),
		event(2, "alice@example.com", base.Add(time.Hour)),
	}
	markers := []timeline.PhaseMarker{{
		Phase:       timeline.PhaseInitialAccess,
		Principal:   "alice@example.com",
		Timestamp:   base,
		TriggerHash: events[0].Hash,
		Description: "sign-in from outside home jurisdiction",
	}}

	first := buildRec(timeline.BuildFull)
	if err := s.CommitBuild(events, markers, first); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if first.EventsAdded != 2 {
		t.Errorf("events added = %d, want 2", first.EventsAdded)
	}
	if first.PhasesDetected != 1 {
		t.Errorf("phases detected = %d, want 1", first.PhasesDetected)
	}
	if first.Status != timeline.BuildSucceeded {
		t.Errorf("status = %q", first.Status)
	}

	second := buildRec(timeline.BuildFull)
	if err := s.CommitBuild(events, markers, second); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.EventsAdded != 0 {
		t.Errorf("recommit added %d events, want 0", second.EventsAdded)
	}
	if second.EventsUpdated != 0 {
		t.Errorf("recommit updated %d events, want 0", second.EventsUpdated)
	}

	got, err := s.Timeline(timeline.TimelineQuery{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("timeline has %d events, want 2", len(got))
	}
}

func TestCommitBuildUpdatesDerivedFields(t *testing.T) {
	s := openStore(t)
	e := event(1, "alice@example.com", base)
	if err := s.CommitBuild([]*timeline.Event{e}, nil, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Same hash, reclassified on a later build.
	reclassified := event(1, "alice@example.com", base)
	reclassified.Phase = timeline.PhasePersistence
	reclassified.Severity = timeline.SeverityCritical
	reclassified.MitreTechnique = "T1114.003"

	rec := buildRec(timeline.BuildFull)
	if err := s.CommitBuild([]*timeline.Event{reclassified}, nil, rec); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if rec.EventsAdded != 0 || rec.EventsUpdated != 1 {
		t.Fatalf("added=%d updated=%d, want 0/1", rec.EventsAdded, rec.EventsUpdated)
	}

	got, err := s.Timeline(timeline.TimelineQuery{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if got[0].Phase != timeline.PhasePersistence || got[0].MitreTechnique != "T1114.003" {
		t.Errorf("derived fields not updated: %+v", got[0])
	}
}

func TestFullBuildResetsPhaseMarkers(t *testing.T) {
	s := openStore(t)
	e := event(1, "alice@example.com", base)
	stale := []timeline.PhaseMarker{{
		Phase: timeline.PhaseInitialAccess, Principal: "alice@example.com",
		Timestamp: base.Add(time.Hour), TriggerHash: "stale",
	}}
	if err := s.CommitBuild([]*timeline.Event{e}, stale, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fresh := []timeline.PhaseMarker{{
		Phase: timeline.PhaseInitialAccess, Principal: "alice@example.com",
		Timestamp: base, TriggerHash: e.Hash,
	}}
	if err := s.CommitBuild([]*timeline.Event{e}, fresh, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("recommit: %v", err)
	}

	markers, err := s.PhaseMarkers()
	if err != nil {
		t.Fatalf("phase markers: %v", err)
	}
	if len(markers) != 1 {
		t.Fatalf("got %d markers, want 1", len(markers))
	}
	if markers[0].TriggerHash != e.Hash {
		t.Errorf("full build kept stale marker %q", markers[0].TriggerHash)
	}
}

func TestIncrementalBuildKeepsExistingMarkers(t *testing.T) {
	s := openStore(t)
	e := event(1, "alice@example.com", base)
	original := []timeline.PhaseMarker{{
		Phase: timeline.PhaseInitialAccess, Principal: "alice@example.com",
		Timestamp: base, TriggerHash: e.Hash,
	}}
	if err := s.CommitBuild([]*timeline.Event{e}, original, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	later := []timeline.PhaseMarker{{
		Phase: timeline.PhaseInitialAccess, Principal: "alice@example.com",
		Timestamp: base.Add(time.Hour), TriggerHash: "later",
	}}
	rec := buildRec(timeline.BuildIncremental)
	if err := s.CommitBuild(nil, later, rec); err != nil {
		t.Fatalf("incremental commit: %v", err)
	}
	if rec.PhasesDetected != 0 {
		t.Errorf("phases detected = %d, want 0 for a marker absorbed by the unique constraint", rec.PhasesDetected)
	}

	markers, err := s.PhaseMarkers()
	if err != nil {
		t.Fatalf("phase markers: %v", err)
	}
	if len(markers) != 1 || markers[0].TriggerHash != e.Hash {
		t.Errorf("incremental build replaced the original marker: %+v", markers)
	}
}

func TestLastSuccessfulBuild(t *testing.T) {
	s := openStore(t)

	last, err := s.LastSuccessfulBuild()
	if err != nil {
		t.Fatalf("last successful build: %v", err)
	}
	if last != nil {
		t.Fatalf("expected nil before any build, got %+v", last)
	}

	if err := s.CommitBuild(nil, nil, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	failed := buildRec(timeline.BuildIncremental)
	failed.Status = timeline.BuildFailed
	failed.Error = "evidence store unreachable"
	if err := s.RecordBuild(failed); err != nil {
		t.Fatalf("record failed build: %v", err)
	}

	last, err = s.LastSuccessfulBuild()
	if err != nil {
		t.Fatalf("last successful build: %v", err)
	}
	if last == nil || last.BuildType != timeline.BuildFull {
		t.Fatalf("failed build must not become the high-water mark: %+v", last)
	}

	builds, err := s.Builds(10)
	if err != nil {
		t.Fatalf("builds: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("got %d build records, want 2", len(builds))
	}
	if builds[0].Status != timeline.BuildFailed {
		t.Errorf("newest build status = %q, want failed", builds[0].Status)
	}
}

func TestExclude(t *testing.T) {
	s := openStore(t)
	e := event(1, "alice@example.com", base)
	if err := s.CommitBuild([]*timeline.Event{e}, nil, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, err := s.Timeline(timeline.TimelineQuery{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if err := s.Exclude(all[0].ID, "known admin activity"); err != nil {
		t.Fatalf("exclude: %v", err)
	}

	visible, err := s.Timeline(timeline.TimelineQuery{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("excluded event still in default read")
	}

	withExcluded, err := s.Timeline(timeline.TimelineQuery{IncludeExcluded: true})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(withExcluded) != 1 {
		t.Fatalf("excluded event missing from explicit read")
	}
	if !withExcluded[0].Excluded || withExcluded[0].ExclusionReason != "known admin activity" {
		t.Errorf("exclusion state not persisted: %+v", withExcluded[0])
	}

	if err := s.Exclude(9999, "x"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("exclude missing event: err = %v, want ErrEventNotFound", err)
	}
}

func TestAnnotations(t *testing.T) {
	s := openStore(t)
	e := event(1, "alice@example.com", base)
	if err := s.CommitBuild([]*timeline.Event{e}, nil, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	all, err := s.Timeline(timeline.TimelineQuery{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}

	id, err := s.AddAnnotation(&timeline.Annotation{
		EventID:         all[0].ID,
		Type:            "note",
		Content:         "confirmed with the user: not their sign-in",
		ReportSection:   "initial-access",
		IncludeInReport: true,
	})
	if err != nil {
		t.Fatalf("add annotation: %v", err)
	}
	if id == 0 {
		t.Fatal("annotation id not assigned")
	}

	notes, err := s.Annotations(all[0].ID)
	if err != nil {
		t.Fatalf("annotations: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "confirmed with the user: not their sign-in" {
		t.Fatalf("annotation not persisted: %+v", notes)
	}

	// Annotating does not alter the event.
	after, err := s.Event(all[0].ID)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if after.Hash != e.Hash || after.Details != e.Details {
		t.Errorf("annotation mutated the event")
	}

	if _, err := s.AddAnnotation(&timeline.Annotation{EventID: 9999, Type: "note", Content: "x"}); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("annotate missing event: err = %v, want ErrEventNotFound", err)
	}
}

func TestTimelineQueryFilters(t *testing.T) {
	s := openStore(t)
	events := []*timeline.Event{
		event(1, "alice@example.com", base),
		event(2, "bob@example.com", base.Add(time.Hour)),
		event(3, "alice@example.com", base.Add(48*time.Hour)),
	}
	events[2].Phase = timeline.PhasePersistence
	if err := s.CommitBuild(events, nil, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	byPrincipal, err := s.Timeline(timeline.TimelineQuery{Principal: "alice@example.com"})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(byPrincipal) != 2 {
		t.Errorf("principal filter returned %d events, want 2", len(byPrincipal))
	}

	byPhase, err := s.Timeline(timeline.TimelineQuery{Phase: timeline.PhasePersistence})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(byPhase) != 1 {
		t.Errorf("phase filter returned %d events, want 1", len(byPhase))
	}

	byRange, err := s.Timeline(timeline.TimelineQuery{From: base, To: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(byRange) != 2 {
		t.Errorf("range filter returned %d events, want 2", len(byRange))
	}

	// Events come back in time order.
	all, err := s.Timeline(timeline.TimelineQuery{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Errorf("timeline out of order at %d", i)
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	s := openStore(t)
	e := event(1, "alice@example.com", base)
	e.MitreTechnique = "T1078.004"
	e.Related = []string{"aaaa", "bbbb"}
	if err := s.CommitBuild([]*timeline.Event{e}, nil, buildRec(timeline.BuildFull)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, err := s.Timeline(timeline.TimelineQuery{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	got, err := s.Event(all[0].ID)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, e.Timestamp)
	}
	if got.MitreTechnique != e.MitreTechnique {
		t.Errorf("technique = %q", got.MitreTechnique)
	}
	if len(got.Related) != 2 || got.Related[0] != "aaaa" {
		t.Errorf("related = %v", got.Related)
	}
}
