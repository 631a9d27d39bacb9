package timeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/evidence"
	"caseline/internal/evidence/evidencetest"
	"caseline/internal/timeline"
)

// memStore is an in-memory timeline.Store with the same idempotent commit
// semantics as the sqlite implementation.
type memStore struct {
	events  map[string]*timeline.Event
	markers map[string]timeline.PhaseMarker
	builds  []timeline.BuildRecord
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{
		events:  map[string]*timeline.Event{},
		markers: map[string]timeline.PhaseMarker{},
	}
}

func (m *memStore) CommitBuild(events []*timeline.Event, markers []timeline.PhaseMarker, rec *timeline.BuildRecord) error {
	if rec.BuildType == timeline.BuildFull {
		m.markers = map[string]timeline.PhaseMarker{}
	}
	for _, e := range events {
		if existing, ok := m.events[e.Hash]; ok {
			if existing.Phase != e.Phase || existing.Severity != e.Severity {
				existing.Phase = e.Phase
				existing.Severity = e.Severity
				rec.EventsUpdated++
			}
			continue
		}
		m.nextID++
		e.ID = m.nextID
		m.events[e.Hash] = e
		rec.EventsAdded++
	}
	for _, pm := range markers {
		k := pm.Principal + "|" + string(pm.Phase)
		if _, ok := m.markers[k]; !ok {
			m.markers[k] = pm
			rec.PhasesDetected++
		}
	}
	rec.Status = timeline.BuildSucceeded
	m.builds = append(m.builds, *rec)
	return nil
}

func (m *memStore) RecordBuild(rec *timeline.BuildRecord) error {
	m.builds = append(m.builds, *rec)
	return nil
}

func (m *memStore) LastSuccessfulBuild() (*timeline.BuildRecord, error) {
	for i := len(m.builds) - 1; i >= 0; i-- {
		if m.builds[i].Status == timeline.BuildSucceeded {
			rec := m.builds[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *memStore) PhaseMarkers() ([]timeline.PhaseMarker, error) {
	var out []timeline.PhaseMarker
	for _, pm := range m.markers {
		out = append(out, pm)
	}
	return out, nil
}

func (m *memStore) Exclude(eventID int64, reason string) error {
	for _, e := range m.events {
		if e.ID == eventID {
			e.Excluded = true
			e.ExclusionReason = reason
			return nil
		}
	}
	return nil
}

func (m *memStore) AddAnnotation(a *timeline.Annotation) (int64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *memStore) Timeline(q timeline.TimelineQuery) ([]timeline.Event, error) {
	var out []timeline.Event
	for _, e := range m.events {
		if e.Excluded && !q.IncludeExcluded {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

var buildBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seedEvidence(f *evidencetest.Fixture) {
	f.AddSignIn(evidence.SignIn{
		ID: 1, Timestamp: buildBase, Principal: "alice@example.com",
		IPAddress: "203.0.113.7", Location: "RU", Status: evidence.StatusSuccess,
	})
	f.AddInboxRule(evidence.InboxRule{
		ID: 1, Timestamp: buildBase.Add(2 * time.Hour), Principal: "alice@example.com",
		RuleName: "sweep", ForwardTo: "drop@evil.example", Enabled: true,
	})
	f.AddMailboxOperation(evidence.MailboxOperation{
		ID: 1, Timestamp: buildBase.Add(3 * time.Hour), Principal: "alice@example.com",
		Operation: "MailItemsAccessed", ItemCount: 120, ClientIP: "203.0.113.7",
	})
}

func newBuilder(t *testing.T, f *evidencetest.Fixture, store timeline.Store) *timeline.Builder {
	t.Helper()
	ev := f.Open()
	t.Cleanup(func() { ev.Close() })
	return timeline.NewBuilder(ev, store, config.Default().Investigation, nil, nil)
}

func TestBuildFull(t *testing.T) {
	f := evidencetest.New(t)
	seedEvidence(f)
	store := newMemStore()

	rec, err := newBuilder(t, f, store).Build(false)
	require.NoError(t, err)

	assert.Equal(t, timeline.BuildFull, rec.BuildType)
	assert.Equal(t, timeline.BuildSucceeded, rec.Status)
	assert.Equal(t, 3, rec.EventsAdded)
	assert.NotEmpty(t, rec.BuildID)
	assert.Equal(t, timeline.SourceTables, rec.SourceTables)

	// High-risk sign-in, forwarding rule, bulk access: three phases.
	assert.Equal(t, 3, rec.PhasesDetected)

	events, err := store.Timeline(timeline.TimelineQuery{})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestBuildIdempotent(t *testing.T) {
	f := evidencetest.New(t)
	seedEvidence(f)
	store := newMemStore()
	b := newBuilder(t, f, store)

	first, err := b.Build(false)
	require.NoError(t, err)
	require.Equal(t, 3, first.EventsAdded)

	second, err := b.Build(false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.EventsAdded, "rebuilding unchanged evidence must not add rows")
	assert.Equal(t, 0, second.EventsUpdated)

	events, err := store.Timeline(timeline.TimelineQuery{})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestBuildIncrementalHighWaterMark(t *testing.T) {
	f := evidencetest.New(t)
	seedEvidence(f)
	store := newMemStore()
	b := newBuilder(t, f, store)

	first, err := b.Build(false)
	require.NoError(t, err)
	require.Equal(t, 3, first.EventsAdded)

	// New evidence lands after the first build's window.
	f.AddOAuthConsent(evidence.OAuthConsent{
		ID: 1, Timestamp: buildBase.Add(6 * time.Hour), Principal: "alice@example.com",
		AppID: "a1b2", AppName: "mail-sync", Scopes: "Mail.Read offline_access",
	})

	second, err := b.Build(true)
	require.NoError(t, err)
	assert.Equal(t, timeline.BuildIncremental, second.BuildType)
	assert.Equal(t, first.WindowEnd, second.WindowStart, "incremental build resumes at the high-water mark")
	assert.Equal(t, 1, second.EventsAdded)
}

func TestBuildIncrementalSkipsMarkedPhases(t *testing.T) {
	f := evidencetest.New(t)
	seedEvidence(f)
	store := newMemStore()
	b := newBuilder(t, f, store)

	first, err := b.Build(false)
	require.NoError(t, err)
	require.Equal(t, 3, first.PhasesDetected)

	// A second high-risk sign-in lands after the window; initial access is
	// already on record for the principal.
	f.AddSignIn(evidence.SignIn{
		ID: 2, Timestamp: buildBase.Add(6 * time.Hour), Principal: "alice@example.com",
		IPAddress: "203.0.113.7", Location: "RU", Status: evidence.StatusSuccess,
	})

	second, err := b.Build(true)
	require.NoError(t, err)
	assert.Equal(t, 1, second.EventsAdded)
	assert.Equal(t, 0, second.PhasesDetected, "a phase already marked must not be counted again")

	events, err := store.Timeline(timeline.TimelineQuery{})
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Timestamp.Equal(buildBase.Add(6 * time.Hour)) {
			found = true
			assert.Equal(t, timeline.SeverityInfo, e.Severity, "a repeat occurrence keeps its ingest severity")
			assert.Equal(t, timeline.PhaseInitialAccess, e.Phase, "the phase tag is still applied")
		}
	}
	require.True(t, found, "the new sign-in should be on the timeline")
}

func TestBuildIncrementalWithoutPriorBuild(t *testing.T) {
	f := evidencetest.New(t)
	seedEvidence(f)
	store := newMemStore()

	rec, err := newBuilder(t, f, store).Build(true)
	require.NoError(t, err)
	assert.True(t, rec.WindowStart.IsZero(), "no prior build means the window starts open")
	assert.Equal(t, 3, rec.EventsAdded)
}

func TestBuildFailureRecorded(t *testing.T) {
	f := evidencetest.New(t)
	seedEvidence(f)
	store := newMemStore()

	ev := f.Open()
	b := timeline.NewBuilder(ev, store, config.Default().Investigation, nil, nil)
	require.NoError(t, ev.Close())

	rec, err := b.Build(false)
	require.Error(t, err)
	assert.Equal(t, timeline.BuildFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)

	require.Len(t, store.builds, 1, "failed builds still leave an audit record")
	assert.Equal(t, timeline.BuildFailed, store.builds[0].Status)

	last, err := store.LastSuccessfulBuild()
	require.NoError(t, err)
	assert.Nil(t, last, "a failed build never becomes the high-water mark")
}

func TestBuildEmptyEvidence(t *testing.T) {
	f := evidencetest.New(t)
	store := newMemStore()

	rec, err := newBuilder(t, f, store).Build(false)
	require.NoError(t, err)
	assert.Equal(t, timeline.BuildSucceeded, rec.Status)
	assert.Equal(t, 0, rec.EventsAdded)
}

func TestBuildReportsSkippedRecords(t *testing.T) {
	f := evidencetest.New(t)
	seedEvidence(f)
	f.AddRawSignIn("not-a-timestamp", "alice@example.com")
	store := newMemStore()

	rec, err := newBuilder(t, f, store).Build(false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SkippedRecords)
	assert.Equal(t, 3, rec.EventsAdded, "the malformed row is skipped, not fatal")
}
