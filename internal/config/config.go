// Package config handles configuration loading and validation for caseline.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete caseline configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Evidence configuration for the read-only evidence database.
	Evidence EvidenceConfig `toml:"evidence" json:"evidence" yaml:"evidence"`

	// Timeline configuration for the timeline database.
	Timeline TimelineConfig `toml:"timeline" json:"timeline" yaml:"timeline"`

	// Investigation holds analysis parameters threaded through evaluators
	// and the timeline builder.
	Investigation InvestigationConfig `toml:"investigation" json:"investigation" yaml:"investigation"`

	// Watch configuration for the evidence-change watcher.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// EvidenceConfig locates the evidence database.
type EvidenceConfig struct {
	// Path is the path to the evidence database file. The file must already
	// exist; caseline never creates or mutates it.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// TimelineConfig holds timeline persistence configuration.
type TimelineConfig struct {
	// Path is the path to the timeline database file. Created on first build.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RulesPath optionally points to a JSON phase-rule file that replaces
	// the built-in rule table. Validated against the embedded schema.
	RulesPath string `toml:"rules_path" json:"rules_path" yaml:"rules_path"`
}

// InvestigationConfig holds the analysis parameters.
type InvestigationConfig struct {
	// HomeJurisdiction is the ISO country code treated as expected
	// sign-in origin (e.g. "US").
	HomeJurisdiction string `toml:"home_jurisdiction" json:"home_jurisdiction" yaml:"home_jurisdiction"`

	// HighRiskJurisdictions are country codes treated as high-risk sign-in
	// origins for phase detection.
	HighRiskJurisdictions []string `toml:"high_risk_jurisdictions" json:"high_risk_jurisdictions" yaml:"high_risk_jurisdictions"`

	// IndicatorWindowHours is the post-signal evidence window for
	// compromise indicators.
	IndicatorWindowHours int `toml:"indicator_window_hours" json:"indicator_window_hours" yaml:"indicator_window_hours"`

	// CorrelationWindowHours is the half-width of the event correlation
	// window.
	CorrelationWindowHours int `toml:"correlation_window_hours" json:"correlation_window_hours" yaml:"correlation_window_hours"`

	// DormantAccountDays is the staleness threshold beyond which an account
	// with no prior sign-in activity is considered dormant.
	DormantAccountDays int `toml:"dormant_account_days" json:"dormant_account_days" yaml:"dormant_account_days"`

	// BulkOperationThreshold is the item count at which a mailbox operation
	// counts as a large download or export.
	BulkOperationThreshold int `toml:"bulk_operation_threshold" json:"bulk_operation_threshold" yaml:"bulk_operation_threshold"`

	// Parallel runs the indicator evaluators concurrently.
	Parallel bool `toml:"parallel" json:"parallel" yaml:"parallel"`
}

// IndicatorWindow returns the indicator window as a duration.
func (c InvestigationConfig) IndicatorWindow() time.Duration {
	return time.Duration(c.IndicatorWindowHours) * time.Hour
}

// CorrelationWindow returns the correlation half-window as a duration.
func (c InvestigationConfig) CorrelationWindow() time.Duration {
	return time.Duration(c.CorrelationWindowHours) * time.Hour
}

// IsHighRisk reports whether the given country code is in the configured
// high-risk set. Matching is case-insensitive.
func (c InvestigationConfig) IsHighRisk(country string) bool {
	for _, j := range c.HighRiskJurisdictions {
		if strings.EqualFold(j, country) {
			return true
		}
	}
	return false
}

// WatchConfig holds evidence-watcher configuration.
type WatchConfig struct {
	// Enabled turns on the evidence database watcher.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DebounceSec is how long the evidence database must be quiet before an
	// incremental build is triggered.
	DebounceSec int `toml:"debounce_sec" json:"debounce_sec" yaml:"debounce_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs are written: stdout, stderr, or file.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// Validation errors.
var (
	ErrNoEvidencePath = errors.New("evidence.path is required")
	ErrNoTimelinePath = errors.New("timeline.path is required")
)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Evidence.Path == "" {
		return ErrNoEvidencePath
	}
	if c.Timeline.Path == "" {
		return ErrNoTimelinePath
	}
	if c.Investigation.IndicatorWindowHours <= 0 {
		return fmt.Errorf("investigation.indicator_window_hours must be positive, got %d", c.Investigation.IndicatorWindowHours)
	}
	if c.Investigation.CorrelationWindowHours <= 0 {
		return fmt.Errorf("investigation.correlation_window_hours must be positive, got %d", c.Investigation.CorrelationWindowHours)
	}
	if c.Investigation.HomeJurisdiction == "" {
		return fmt.Errorf("investigation.home_jurisdiction is required")
	}
	if c.Investigation.BulkOperationThreshold <= 0 {
		return fmt.Errorf("investigation.bulk_operation_threshold must be positive, got %d", c.Investigation.BulkOperationThreshold)
	}
	if c.Watch.Enabled && c.Watch.DebounceSec <= 0 {
		return fmt.Errorf("watch.debounce_sec must be positive when watch is enabled")
	}
	return nil
}
