package timeline

import (
	"sort"
	"time"

	"caseline/internal/config"
)

// relatedPattern pairs two event predicates. When both match for the same
// principal within the correlation window, the events reference each other.
type relatedPattern struct {
	name          string
	first, second func(*Event) bool
}

func isSuccessfulSignIn(e *Event) bool {
	return e.SourceType == SourceSignIn && e.Action == ActionSignIn
}

// isPolicyEdit matches conditional-access policy changes from both the
// directory audit ("Update conditional access policy") and unified audit log
// ("Set-ConditionalAccessPolicy") vocabularies.
func isPolicyEdit(e *Event) bool {
	return matchAny(e.Action, []string{"conditional access", "conditionalaccess"})
}

// relatedPatterns are the known attack sequences worth linking. Order does
// not matter; every pattern is tested against every candidate pair.
var relatedPatterns = []relatedPattern{
	{
		name:  "signin-then-password-change",
		first: isSuccessfulSignIn,
		second: func(e *Event) bool {
			return e.SourceType == SourceDirectoryAudit && matchAny(e.Action, []string{"password"})
		},
	},
	{
		name:   "signin-then-inbox-rule",
		first:  isSuccessfulSignIn,
		second: func(e *Event) bool { return e.SourceType == SourceInboxRule },
	},
	{
		name:   "signin-then-consent",
		first:  isSuccessfulSignIn,
		second: func(e *Event) bool { return e.SourceType == SourceOAuthConsent },
	},
	{
		name:   "paired-policy-edits",
		first:  isPolicyEdit,
		second: isPolicyEdit,
	},
}

// Correlator links related events for the same principal, assigns attack
// phases from the rule table, and emits phase markers.
type Correlator struct {
	window  time.Duration
	dormant time.Duration
	rules   []Rule
}

// NewCorrelator builds a correlator over the given rule table using the
// investigation's correlation window and dormancy threshold.
func NewCorrelator(inv config.InvestigationConfig, rules []Rule) *Correlator {
	return &Correlator{
		window:  inv.CorrelationWindow(),
		dormant: time.Duration(inv.DormantAccountDays) * 24 * time.Hour,
		rules:   rules,
	}
}

// Correlate sorts events by time and cross-references pattern pairs for the
// same principal within the correlation window. Both events in a matched
// pair record the other's hash.
func (c *Correlator) Correlate(events []*Event) {
	sortEvents(events)

	byPrincipal := map[string][]*Event{}
	for _, e := range events {
		byPrincipal[e.Principal] = append(byPrincipal[e.Principal], e)
	}

	for _, group := range byPrincipal {
		for i, a := range group {
			for _, b := range group[i+1:] {
				if b.Timestamp.Sub(a.Timestamp) > c.window {
					break
				}
				if a.Hash == b.Hash {
					continue
				}
				for _, pat := range relatedPatterns {
					if pat.first(a) && pat.second(b) {
						link(a, b)
						break
					}
				}
			}
		}
	}
}

// DetectPhases classifies every event against the rule table in time order.
// The first qualifying event per principal per phase produces a marker and
// has its severity elevated to the rule's; later matches only carry the
// phase tag. Markers persisted by earlier builds are passed in as existing so
// an incremental build, which only sees new events, does not re-detect or
// re-elevate a phase already on record.
func (c *Correlator) DetectPhases(events []*Event, existing []PhaseMarker) []PhaseMarker {
	sortEvents(events)

	type key struct {
		principal string
		phase     Phase
	}
	seen := map[key]bool{}
	for _, m := range existing {
		seen[key{m.Principal, m.Phase}] = true
	}
	var markers []PhaseMarker

	for _, e := range events {
		rule, ok := Classify(c.rules, e)
		if !ok {
			continue
		}
		k := key{e.Principal, rule.Phase}
		if seen[k] {
			continue
		}
		seen[k] = true
		if severityRank(rule.Severity) > severityRank(e.Severity) {
			e.Severity = rule.Severity
		}
		markers = append(markers, PhaseMarker{
			Phase:       rule.Phase,
			Principal:   e.Principal,
			Timestamp:   e.Timestamp,
			TriggerHash: e.Hash,
			Description: rule.Description,
		})
	}
	return markers
}

// FlagDormantReactivations elevates successful sign-ins preceded by a
// sign-in gap longer than the dormancy threshold. A long-idle account waking
// up is a common takeover tell.
func (c *Correlator) FlagDormantReactivations(events []*Event) {
	if c.dormant <= 0 {
		return
	}
	sortEvents(events)

	lastSeen := map[string]time.Time{}
	for _, e := range events {
		if !isSuccessfulSignIn(e) {
			continue
		}
		if prev, ok := lastSeen[e.Principal]; ok && e.Timestamp.Sub(prev) >= c.dormant {
			e.Details += " dormant_reactivation=true"
			if severityRank(SeverityWarning) > severityRank(e.Severity) {
				e.Severity = SeverityWarning
			}
		}
		lastSeen[e.Principal] = e.Timestamp
	}
}

func link(a, b *Event) {
	if !containsHash(a.Related, b.Hash) {
		a.Related = append(a.Related, b.Hash)
	}
	if !containsHash(b.Related, a.Hash) {
		b.Related = append(b.Related, a.Hash)
	}
}

func containsHash(list []string, h string) bool {
	for _, v := range list {
		if v == h {
			return true
		}
	}
	return false
}

// sortEvents orders by timestamp, then hash for a stable order when
// timestamps collide.
func sortEvents(events []*Event) {
	if sort.SliceIsSorted(events, eventLess(events)) {
		return
	}
	sort.Slice(events, eventLess(events))
}

func eventLess(events []*Event) func(i, j int) bool {
	return func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Hash < events[j].Hash
	}
}
