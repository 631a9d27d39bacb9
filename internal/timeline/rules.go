package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"caseline/internal/config"
)

// Rule classifies a timeline event into an attack phase. Rules are ordered;
// the first rule whose predicate matches an event wins, so specific rules
// must precede general ones.
type Rule struct {
	Phase           Phase    `json:"phase"`
	Severity        Severity `json:"severity"`
	Technique       string   `json:"mitre_technique,omitempty"`
	Description     string   `json:"description"`
	SourceTypes     []string `json:"source_types,omitempty"`
	ActionContains  []string `json:"action_contains,omitempty"`
	DetailsContains []string `json:"details_contains,omitempty"`
}

// Matches reports whether the rule applies to the event. Empty predicate
// fields match anything; a populated field is a set of case-insensitive
// substring alternatives, at least one of which must match.
func (r Rule) Matches(e *Event) bool {
	if len(r.SourceTypes) > 0 && !containsFold(r.SourceTypes, string(e.SourceType)) {
		return false
	}
	if len(r.ActionContains) > 0 && !matchAny(e.Action, r.ActionContains) {
		return false
	}
	if len(r.DetailsContains) > 0 && !matchAny(e.Details, r.DetailsContains) {
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// DefaultRules returns the compiled-in phase rule table, parameterized by the
// investigation's high-risk jurisdictions. Ordering matters: forwarding rules
// outrank generic inbox rules, and high-risk sign-ins outrank merely foreign
// ones.
func DefaultRules(inv config.InvestigationConfig) []Rule {
	highRisk := make([]string, 0, len(inv.HighRiskJurisdictions))
	for _, j := range inv.HighRiskJurisdictions {
		highRisk = append(highRisk, "location="+strings.ToLower(j)+" ")
	}

	rules := []Rule{
		{
			Phase:           PhasePersistence,
			Severity:        SeverityCritical,
			Technique:       "T1114.003",
			Description:     "email forwarding rule created",
			SourceTypes:     []string{string(SourceInboxRule)},
			DetailsContains: []string{"forward=", "redirect="},
		},
		{
			Phase:       PhasePersistence,
			Severity:    SeverityAlert,
			Technique:   "T1137.005",
			Description: "inbox rule created or modified",
			SourceTypes: []string{string(SourceInboxRule)},
		},
		{
			Phase:          PhasePersistence,
			Severity:       SeverityAlert,
			Technique:      "T1098.002",
			Description:    "mailbox delegation or permission change",
			ActionContains: []string{"mailboxpermission", "recipientpermission", "folderpermission", "calendardelegation"},
		},
		{
			Phase:          PhasePersistence,
			Severity:       SeverityAlert,
			Technique:      "T1098.005",
			Description:    "authentication method registered",
			SourceTypes:    []string{string(SourceDirectoryAudit)},
			ActionContains: []string{"security info", "authentication method"},
		},
		{
			Phase:       PhasePersistence,
			Severity:    SeverityAlert,
			Technique:   "T1528",
			Description: "application consent granted",
			SourceTypes: []string{string(SourceOAuthConsent)},
		},
		{
			Phase:          PhaseEradication,
			Severity:       SeverityInfo,
			Description:    "malicious artifact removed",
			ActionContains: []string{"remove-inboxrule", "remove oauth2permissiongrant", "revoke"},
		},
		{
			Phase:          PhaseContainment,
			Severity:       SeverityInfo,
			Description:    "account credentials or state reset",
			SourceTypes:    []string{string(SourceDirectoryAudit)},
			ActionContains: []string{"reset password", "reset user password", "disable account"},
		},
	}

	// An empty jurisdiction list would leave DetailsContains empty and match
	// every successful sign-in, so the high-risk rule only exists when the
	// investigation configures one.
	if len(highRisk) > 0 {
		rules = append(rules, Rule{
			Phase:           PhaseInitialAccess,
			Severity:        SeverityAlert,
			Technique:       "T1078.004",
			Description:     "sign-in from high-risk jurisdiction",
			SourceTypes:     []string{string(SourceSignIn)},
			ActionContains:  []string{ActionSignIn},
			DetailsContains: highRisk,
		})
	}

	return append(rules,
		Rule{
			Phase:           PhaseInitialAccess,
			Severity:        SeverityWarning,
			Technique:       "T1078.004",
			Description:     "sign-in from outside home jurisdiction",
			SourceTypes:     []string{string(SourceSignIn)},
			ActionContains:  []string{ActionSignIn},
			DetailsContains: []string{"foreign=true"},
		},
		Rule{
			Phase:          PhaseInitialAccess,
			Severity:       SeverityInfo,
			Technique:      "T1110",
			Description:    "failed sign-in attempt",
			SourceTypes:    []string{string(SourceSignIn)},
			ActionContains: []string{ActionSignInFailed},
		},
		Rule{
			Phase:          PhaseExfiltration,
			Severity:       SeverityAlert,
			Technique:      "T1114.002",
			Description:    "bulk export or download",
			ActionContains: []string{"export", "download", "compliancesearch"},
		},
		Rule{
			Phase:       PhaseCollection,
			Severity:    SeverityWarning,
			Technique:   "T1114.002",
			Description: "mailbox content accessed",
			SourceTypes: []string{string(SourceMailbox)},
		},
	)
}

// ruleSchema constrains analyst-supplied rule files before they replace the
// compiled-in table. A malformed override fails loudly at load time rather
// than silently misclassifying events.
const ruleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["phase", "severity", "description"],
    "additionalProperties": false,
    "properties": {
      "phase": {
        "enum": ["initial_access", "persistence", "collection",
                 "exfiltration", "containment", "eradication"]
      },
      "severity": {"enum": ["info", "warning", "alert", "critical"]},
      "mitre_technique": {"type": "string", "pattern": "^T[0-9]{4}(\\.[0-9]{3})?$"},
      "description": {"type": "string", "minLength": 1},
      "source_types": {
        "type": "array",
        "items": {
          "enum": ["signin", "audit", "mailbox", "inbox_rule",
                   "oauth_consent", "directory_audit"]
        }
      },
      "action_contains": {"type": "array", "items": {"type": "string", "minLength": 1}},
      "details_contains": {"type": "array", "items": {"type": "string", "minLength": 1}}
    }
  }
}`

var compiledRuleSchema = jsonschema.MustCompileString("rules.schema.json", ruleSchema)

// LoadRules reads an analyst-supplied JSON rule table, validates it against
// the embedded schema, and returns it in file order.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := compiledRuleSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate rules %s: %w", path, err)
	}

	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode rules %s: %w", path, err)
	}
	return rules, nil
}

// Classify applies the first matching rule to the event, tagging its phase
// and technique. Severity is left alone here; only the first qualifying
// event per principal per phase gets elevated, which the phase detector
// handles.
func Classify(rules []Rule, e *Event) (Rule, bool) {
	for _, r := range rules {
		if !r.Matches(e) {
			continue
		}
		e.Phase = r.Phase
		if r.Technique != "" {
			e.MitreTechnique = r.Technique
		}
		return r, true
	}
	return Rule{}, false
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityAlert:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
