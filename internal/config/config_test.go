package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redialcore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "data_dir: /tmp/redialcore-test\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Policy.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q, want America/New_York", cfg.Policy.Timezone)
	}
	if cfg.Redial.MaxAttempts != 8 || cfg.Redial.MaxDailyAttempts != 8 {
		t.Errorf("caps = %d/%d, want 8/8", cfg.Redial.MaxAttempts, cfg.Redial.MaxDailyAttempts)
	}
	want := []int{0, 0, 5, 10, 30, 60, 120}
	if len(cfg.Redial.ProgressiveIntervals) != len(want) {
		t.Fatalf("ProgressiveIntervals = %v, want %v", cfg.Redial.ProgressiveIntervals, want)
	}
	for i := range want {
		if cfg.Redial.ProgressiveIntervals[i] != want[i] {
			t.Errorf("ProgressiveIntervals[%d] = %d, want %d", i, cfg.Redial.ProgressiveIntervals[i], want[i])
		}
	}
	if !cfg.Redial.TodayOnly() {
		t.Error("expected today_only_dispatch to default to true")
	}
	if !cfg.Policy.SMSBusinessHoursOnly() {
		t.Error("expected sms_business_only to default to true")
	}
	if cfg.RedialTick() != 5*time.Minute {
		t.Errorf("RedialTick = %s, want 5m", cfg.RedialTick())
	}
	if cfg.CallStatePersistInterval() != 30*time.Second {
		t.Errorf("CallStatePersistInterval = %s, want 30s", cfg.CallStatePersistInterval())
	}
	if cfg.RetentionWindow() != 30*24*time.Hour {
		t.Errorf("RetentionWindow = %s, want 720h", cfg.RetentionWindow())
	}
}

func TestExplicitFalseBooleansSurviveDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
policy:
  sms_business_only: false
redial:
  today_only_dispatch: false
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redial.TodayOnly() {
		t.Error("expected explicit today_only_dispatch: false to stick")
	}
	if cfg.Policy.SMSBusinessHoursOnly() {
		t.Error("expected explicit sms_business_only: false to stick")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIALCORE_DATA_DIR", "/srv/override")
	t.Setenv("REDIALCORE_TIMEZONE", "America/Chicago")

	cfg, err := Load(writeConfig(t, "data_dir: /tmp/original\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/override" {
		t.Errorf("DataDir = %q, want env override", cfg.DataDir)
	}
	if cfg.Policy.Timezone != "America/Chicago" {
		t.Errorf("Timezone = %q, want env override", cfg.Policy.Timezone)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
