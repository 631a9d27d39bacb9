package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg == nil {
		t.Fatal("Default returned nil")
	}

	if cfg.Investigation.IndicatorWindowHours != 72 {
		t.Errorf("expected indicator window 72h, got %d", cfg.Investigation.IndicatorWindowHours)
	}
	if cfg.Investigation.CorrelationWindowHours != 24 {
		t.Errorf("expected correlation window 24h, got %d", cfg.Investigation.CorrelationWindowHours)
	}
	if cfg.Investigation.HomeJurisdiction == "" {
		t.Error("default home jurisdiction should be set")
	}
	if len(cfg.Investigation.HighRiskJurisdictions) == 0 {
		t.Error("default high-risk jurisdictions should be set")
	}
}

func TestValidateRequiresPaths(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrNoEvidencePath) {
		t.Errorf("expected ErrNoEvidencePath, got %v", err)
	}

	cfg.Evidence.Path = "/case/evidence.db"
	if err := cfg.Validate(); !errors.Is(err, ErrNoTimelinePath) {
		t.Errorf("expected ErrNoTimelinePath, got %v", err)
	}

	cfg.Timeline.Path = "/case/timeline.db"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsBadWindows(t *testing.T) {
	cfg := Default()
	cfg.Evidence.Path = "e.db"
	cfg.Timeline.Path = "t.db"
	cfg.Investigation.IndicatorWindowHours = 0

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero indicator window")
	}
}

func TestIsHighRisk(t *testing.T) {
	inv := InvestigationConfig{HighRiskJurisdictions: []string{"RU", "KP"}}

	if !inv.IsHighRisk("ru") {
		t.Error("matching should be case-insensitive")
	}
	if inv.IsHighRisk("FR") {
		t.Error("FR should not be high risk")
	}
}

func TestLoadTOML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "caseline.toml")

	content := `
version = 1

[evidence]
path = "/case/evidence.db"

[timeline]
path = "/case/timeline.db"

[investigation]
home_jurisdiction = "GB"
high_risk_jurisdictions = ["RU"]
indicator_window_hours = 72
correlation_window_hours = 24
bulk_operation_threshold = 25
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Investigation.HomeJurisdiction != "GB" {
		t.Errorf("expected GB, got %s", cfg.Investigation.HomeJurisdiction)
	}
	if cfg.Investigation.BulkOperationThreshold != 25 {
		t.Errorf("expected threshold 25, got %d", cfg.Investigation.BulkOperationThreshold)
	}
	// Defaults survive partial configs.
	if cfg.Investigation.DormantAccountDays != DefaultDormantAccountDays {
		t.Errorf("expected default dormant days, got %d", cfg.Investigation.DormantAccountDays)
	}
}

func TestLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "caseline.yaml")

	content := `
version: 1
evidence:
  path: /case/evidence.db
timeline:
  path: /case/timeline.db
investigation:
  home_jurisdiction: DE
  indicator_window_hours: 72
  correlation_window_hours: 24
  bulk_operation_threshold: 50
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Investigation.HomeJurisdiction != "DE" {
		t.Errorf("expected DE, got %s", cfg.Investigation.HomeJurisdiction)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/caseline.toml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with empty path failed: %v", err)
	}
	if cfg.Investigation.IndicatorWindowHours != DefaultIndicatorWindowHours {
		t.Error("empty path should return defaults")
	}
}
