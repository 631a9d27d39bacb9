package config

// Default analysis parameters.
const (
	// DefaultIndicatorWindowHours is the post-signal evidence window. 72
	// hours rather than 24: delayed persistence actions (inbox rules, MFA
	// registration) routinely land a day or more after the initial sign-in.
	DefaultIndicatorWindowHours = 72

	// DefaultCorrelationWindowHours is the half-width of the event
	// correlation window.
	DefaultCorrelationWindowHours = 24

	// DefaultDormantAccountDays is the staleness threshold for dormant
	// account detection.
	DefaultDormantAccountDays = 90

	// DefaultBulkOperationThreshold is the item count at which a mailbox
	// operation counts as a bulk download or export.
	DefaultBulkOperationThreshold = 50

	// DefaultWatchDebounceSec is the quiet period before the watcher
	// triggers an incremental build.
	DefaultWatchDebounceSec = 5
)

// Default returns the default configuration. Evidence and timeline paths are
// deployment-specific and left empty; Validate rejects a config without them.
func Default() *Config {
	return &Config{
		Version: Version,
		Investigation: InvestigationConfig{
			HomeJurisdiction:       "US",
			HighRiskJurisdictions:  []string{"RU", "KP", "IR", "CN", "NG"},
			IndicatorWindowHours:   DefaultIndicatorWindowHours,
			CorrelationWindowHours: DefaultCorrelationWindowHours,
			DormantAccountDays:     DefaultDormantAccountDays,
			BulkOperationThreshold: DefaultBulkOperationThreshold,
		},
		Watch: WatchConfig{
			Enabled:     false,
			DebounceSec: DefaultWatchDebounceSec,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
