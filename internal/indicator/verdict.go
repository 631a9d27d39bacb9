package indicator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"caseline/internal/config"
	"caseline/internal/evidence"
)

// Verdict is the three-tier compromise classification.
type Verdict string

const (
	VerdictNoCompromise        Verdict = "NO_COMPROMISE"
	VerdictLikelyCompromise    Verdict = "LIKELY_COMPROMISE"
	VerdictConfirmedCompromise Verdict = "CONFIRMED_COMPROMISE"
)

// Aggregation constants. These thresholds are load-bearing: downstream
// tooling assumes the exact boundaries, so they are not tuning knobs.
const (
	// NoCompromiseConfidence caps a clean result at 0.80: absence of logged
	// evidence is not proof of absence of compromise.
	NoCompromiseConfidence = 0.80

	// ConfirmedIndicatorCount is the detection count that alone confirms
	// compromise.
	ConfirmedIndicatorCount = 4

	// ConfirmedHighCount is the number of high-confidence detections that
	// alone confirms compromise.
	ConfirmedHighCount = 2

	confirmedFloor = 0.95
	likelyFloor    = 0.70
	likelyCeiling  = 0.90
	singleCeiling  = 0.75
)

// CompromiseVerdict is the aggregated assessment for one signal event.
// Immutable once computed.
type CompromiseVerdict struct {
	Verdict            Verdict           `json:"verdict"`
	Confidence         float64           `json:"confidence"`
	IndicatorsDetected int               `json:"indicators_detected"`
	Indicators         map[string]Result `json:"indicators"`
	Summary            string            `json:"summary"`
}

// ValidateCompromise evaluates the full indicator set for one
// (principal, ip, signal time) triple and aggregates the results. It is a
// pure function of its inputs plus the store contents.
func ValidateCompromise(s *evidence.Store, principal, ip string, signalTime time.Time, inv config.InvestigationConfig) (*CompromiseVerdict, error) {
	p := Params{
		Principal:     principal,
		IP:            ip,
		SignalTime:    signalTime,
		Window:        inv.IndicatorWindow(),
		Investigation: inv,
	}

	results, err := evaluateAll(s, p)
	if err != nil {
		return nil, err
	}

	return Aggregate(results), nil
}

// evaluateAll runs every indicator, sequentially or fanned out depending on
// configuration. Indicators are read-only and mutually independent, so the
// parallel path needs no coordination beyond the collect.
func evaluateAll(s *evidence.Store, p Params) ([]Result, error) {
	indicators := All()
	results := make([]Result, len(indicators))

	if !p.Investigation.Parallel {
		for i, ind := range indicators {
			r, err := ind.Evaluate(s, p)
			if err != nil {
				return nil, fmt.Errorf("evaluate %s: %w", ind.Name(), err)
			}
			results[i] = r
		}
		return results, nil
	}

	errs := make([]error, len(indicators))
	var wg sync.WaitGroup
	for i, ind := range indicators {
		wg.Add(1)
		go func(i int, ind Indicator) {
			defer wg.Done()
			r, err := ind.Evaluate(s, p)
			if err != nil {
				errs[i] = fmt.Errorf("evaluate %s: %w", ind.Name(), err)
				return
			}
			results[i] = r
		}(i, ind)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Aggregate combines indicator results into a verdict. The scoring is
// monotone: more or stronger detections only ever raise the verdict tier.
func Aggregate(results []Result) *CompromiseVerdict {
	v := &CompromiseVerdict{
		Indicators: make(map[string]Result, len(results)),
	}

	var detected []Result
	for _, r := range results {
		v.Indicators[r.Name] = r
		if r.Detected {
			detected = append(detected, r)
		}
	}
	v.IndicatorsDetected = len(detected)

	if len(detected) == 0 {
		v.Verdict = VerdictNoCompromise
		v.Confidence = NoCompromiseConfidence
		v.Summary = "no compromise indicators detected in the analysis window"
		return v
	}

	var sum float64
	var high int
	names := make([]string, 0, len(detected))
	for _, r := range detected {
		sum += r.Confidence
		if r.Confidence >= HighConfidence {
			high++
		}
		names = append(names, r.Name)
	}
	avg := sum / float64(len(detected))
	sort.Strings(names)

	switch {
	case len(detected) >= ConfirmedIndicatorCount || high >= ConfirmedHighCount:
		v.Verdict = VerdictConfirmedCompromise
		v.Confidence = max(confirmedFloor, avg)
	case len(detected) >= 2:
		v.Verdict = VerdictLikelyCompromise
		v.Confidence = clamp(avg, likelyFloor, likelyCeiling)
	default:
		v.Verdict = VerdictLikelyCompromise
		v.Confidence = min(avg, singleCeiling)
	}

	v.Summary = fmt.Sprintf("%d indicator(s) detected: %s", len(detected), strings.Join(names, ", "))
	return v
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
