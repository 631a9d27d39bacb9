// Package indicator evaluates post-authentication compromise indicators and
// aggregates them into a verdict.
//
// Each indicator is one predicate over the evidence store, scoped to an exact
// principal and an inclusive window after the signal event. Indicators never
// mutate the store, and an empty result set is a clean miss, not an error.
package indicator

import (
	"time"

	"caseline/internal/config"
)

// Base confidences assigned when an indicator fires. A non-detection is
// always confidence 0.
const (
	ConfidenceMailboxAccess    = 0.80
	ConfidenceAuditOperation   = 0.75
	ConfidenceInboxRule        = 0.70
	ConfidenceForwardingRule   = 0.90
	ConfidencePasswordChange   = 0.85
	ConfidenceFollowOnSignIn   = 0.70
	ConfidenceAuthMethodChange = 0.85
	ConfidenceBulkDownload     = 0.80
	ConfidenceOAuthConsent     = 0.85
	ConfidenceMFARegistration  = 0.90
	ConfidenceDelegateChange   = 0.85

	// ConfidenceOrphanActivity is the highest base confidence: activity
	// without a corresponding sign-in means token replay, which has no
	// benign explanation.
	ConfidenceOrphanActivity = 0.95
)

// HighConfidence is the threshold above which a detection counts as a
// high-confidence indicator during verdict aggregation.
const HighConfidence = 0.90

// Params carries the evaluation inputs shared by all indicators.
type Params struct {
	// Principal is the identity under investigation. Matching is exact.
	Principal string

	// IP is the source address of the signal event. Optional; indicators
	// that need it report a clean miss when it is empty.
	IP string

	// SignalTime is the timestamp of the authentication event under
	// investigation.
	SignalTime time.Time

	// Window is the evidence window after SignalTime, inclusive at both
	// bounds.
	Window time.Duration

	// Investigation carries the remaining analysis parameters.
	Investigation config.InvestigationConfig
}

// WindowEnd returns the inclusive upper bound of the evidence window.
func (p Params) WindowEnd() time.Time { return p.SignalTime.Add(p.Window) }

// Result is the outcome of one indicator evaluation. Produced fresh on every
// evaluation and never persisted.
type Result struct {
	Name       string           `json:"name"`
	Detected   bool             `json:"detected"`
	Confidence float64          `json:"confidence"`
	Count      int              `json:"count"`
	Evidence   []map[string]any `json:"evidence,omitempty"`
}

// detection builds a Result from a match count, applying the
// detected=false ⇒ confidence=0 invariant.
func detection(name string, confidence float64, evidence []map[string]any) Result {
	r := Result{Name: name, Count: len(evidence), Evidence: evidence}
	if r.Count > 0 {
		r.Detected = true
		r.Confidence = confidence
	}
	return r
}
