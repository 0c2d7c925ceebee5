package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.StaleThreshold.Duration != 5*time.Minute {
		t.Errorf("stale_threshold = %s, want 5m", cfg.Watchdog.StaleThreshold)
	}
	if cfg.Mail.Groups["workers"] != "workers" {
		t.Errorf("missing built-in @workers group")
	}
}

func TestLoadOverridesAndMergesGroups(t *testing.T) {
	dir := t.TempDir()
	content := `
[watchdog]
stale_threshold = "2m"
zombie_threshold = "8m"
nudge_interval = "45s"
ai_triage = true

[mail]
backoff = 2.0

[mail.groups]
frontend = "capability:builder"
`
	if err := os.WriteFile(filepath.Join(dir, "overstory.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.StaleThreshold.Duration != 2*time.Minute {
		t.Errorf("stale_threshold = %s, want 2m", cfg.Watchdog.StaleThreshold)
	}
	if !cfg.Watchdog.AITriage {
		t.Error("ai_triage should be enabled")
	}
	if cfg.Mail.Backoff != 2.0 {
		t.Errorf("backoff = %v, want 2.0", cfg.Mail.Backoff)
	}
	// Custom group present alongside built-ins.
	if cfg.Mail.Groups["frontend"] != "capability:builder" {
		t.Error("custom group not loaded")
	}
	if cfg.Mail.Groups["all"] != "all" {
		t.Error("built-in @all group lost during merge")
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Watchdog.ZombieThreshold = cfg.Watchdog.StaleThreshold
	if err := cfg.Validate(); err == nil {
		t.Error("expected error: zombie_threshold <= stale_threshold")
	}

	cfg = Default()
	cfg.Mail.Backoff = 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error: backoff < 1")
	}
}
