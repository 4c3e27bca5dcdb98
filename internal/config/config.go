// Package config loads the core's single YAML configuration file and
// applies environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the redial/follow-up core.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Policy      PolicyConfig      `yaml:"policy"`
	Redial      RedialConfig      `yaml:"redial"`
	SMS         SMSConfig         `yaml:"sms"`
	CallState   CallStateConfig   `yaml:"call_state"`
	Retention   RetentionConfig   `yaml:"retention"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

// PolicyConfig configures the Clock & Schedule Policy.
type PolicyConfig struct {
	Timezone        string   `yaml:"timezone"`          // IANA zone, default America/New_York
	BusinessStart   string   `yaml:"business_start"`    // "HH:MM", default 11:00
	BusinessEnd     string   `yaml:"business_end"`      // "HH:MM", default 20:00
	BlackoutDates   []string `yaml:"blackout_dates"`    // "YYYY-MM-DD"
	SMSBusinessOnly *bool    `yaml:"sms_business_only"` // default true; nil means unset
}

// SMSBusinessHoursOnly returns the effective value, defaulting to true
// when the config omitted the key entirely.
func (p PolicyConfig) SMSBusinessHoursOnly() bool {
	if p.SMSBusinessOnly == nil {
		return true
	}
	return *p.SMSBusinessOnly
}

// RedialConfig configures the redial queue and its dispatch loop.
type RedialConfig struct {
	MaxAttempts          int    `yaml:"max_attempts"`           // default 8
	MaxDailyAttempts     int    `yaml:"max_daily_attempts"`     // default 8
	ProgressiveIntervals []int  `yaml:"progressive_intervals"`  // minutes, default [0,0,5,10,30,60,120]
	MinRetryGapMinutes   int    `yaml:"min_retry_gap_minutes"`  // default 2
	TickMinutes          int    `yaml:"tick_minutes"`           // default 5
	ResetTiming          string `yaml:"reset_timing"`           // "midnight" | "business_hours"
	PendingGraceMinutes  int    `yaml:"pending_grace_minutes"`  // default 5
	TodayOnlyDispatch    *bool  `yaml:"today_only_dispatch"`    // default true; nil means unset
	ConsecutiveFailLimit int    `yaml:"consecutive_fail_limit"` // default 3, see spec §7 "Adapter fatal"
	OutcomeHistoryLimit  int    `yaml:"outcome_history_limit"`  // default 20
	CallHistoryLimit     int    `yaml:"call_history_limit"`     // default 20
}

// TodayOnly returns the effective "today only" dispatch filter value,
// defaulting to true when the config omitted the key. The filter is
// applied against updated_at, so daily-reset and backfill touches keep
// multi-day retries eligible.
func (r RedialConfig) TodayOnly() bool {
	if r.TodayOnlyDispatch == nil {
		return true
	}
	return *r.TodayOnlyDispatch
}

// SMSConfig configures the SMS follow-up scheduler.
type SMSConfig struct {
	Templates   []string `yaml:"templates"`
	DayGaps     []int    `yaml:"day_gaps"` // default [0,1,3,7]
	TickMinutes int      `yaml:"tick_minutes"`
	FromNumber  string   `yaml:"from_number"`
}

// CallStateConfig configures the Call-State Tracker.
type CallStateConfig struct {
	PersistIntervalSeconds int `yaml:"persist_interval_seconds"`  // default 30
	StalePendingMaxMinutes int `yaml:"stale_pending_max_minutes"` // default 180
}

// RetentionConfig configures the shard retention sweep.
type RetentionConfig struct {
	Days int `yaml:"days"` // default 30
}

// MaintenanceConfig configures the housekeeping timers
// (internal/maintenance): the stale-pending sweep and the shard
// retention sweep.
type MaintenanceConfig struct {
	StaleSweepMinutes   int `yaml:"stale_sweep_minutes"`   // default 5; cadence of Call-State Tracker.SweepStale
	RetentionSweepHours int `yaml:"retention_sweep_hours"` // default 24; cadence of the shard retention sweep
}

// LogConfig configures the shared logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   struct {
		Enabled    bool   `yaml:"enabled"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"file"`
}

// Load reads and parses the YAML config at path, applies defaults for
// anything left zero, then applies REDIALCORE_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}

	applyDefaults(&cfg)
	overrideWithEnv(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Policy.Timezone == "" {
		cfg.Policy.Timezone = "America/New_York"
	}
	if cfg.Policy.BusinessStart == "" {
		cfg.Policy.BusinessStart = "11:00"
	}
	if cfg.Policy.BusinessEnd == "" {
		cfg.Policy.BusinessEnd = "20:00"
	}
	if cfg.Redial.MaxAttempts == 0 {
		cfg.Redial.MaxAttempts = 8
	}
	if cfg.Redial.MaxDailyAttempts == 0 {
		cfg.Redial.MaxDailyAttempts = 8
	}
	if len(cfg.Redial.ProgressiveIntervals) == 0 {
		cfg.Redial.ProgressiveIntervals = []int{0, 0, 5, 10, 30, 60, 120}
	}
	if cfg.Redial.MinRetryGapMinutes == 0 {
		cfg.Redial.MinRetryGapMinutes = 2
	}
	if cfg.Redial.TickMinutes == 0 {
		cfg.Redial.TickMinutes = 5
	}
	if cfg.Redial.ResetTiming == "" {
		cfg.Redial.ResetTiming = "midnight"
	}
	if cfg.Redial.PendingGraceMinutes == 0 {
		cfg.Redial.PendingGraceMinutes = 5
	}
	if cfg.Redial.ConsecutiveFailLimit == 0 {
		cfg.Redial.ConsecutiveFailLimit = 3
	}
	if cfg.Redial.OutcomeHistoryLimit == 0 {
		cfg.Redial.OutcomeHistoryLimit = 20
	}
	if cfg.Redial.CallHistoryLimit == 0 {
		cfg.Redial.CallHistoryLimit = 20
	}
	if len(cfg.SMS.DayGaps) == 0 {
		cfg.SMS.DayGaps = []int{0, 1, 3, 7}
	}
	if cfg.SMS.TickMinutes == 0 {
		cfg.SMS.TickMinutes = 5
	}
	if cfg.CallState.PersistIntervalSeconds == 0 {
		cfg.CallState.PersistIntervalSeconds = 30
	}
	if cfg.CallState.StalePendingMaxMinutes == 0 {
		cfg.CallState.StalePendingMaxMinutes = 180
	}
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 30
	}
	if cfg.Maintenance.StaleSweepMinutes == 0 {
		cfg.Maintenance.StaleSweepMinutes = 5
	}
	if cfg.Maintenance.RetentionSweepHours == 0 {
		cfg.Maintenance.RetentionSweepHours = 24
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// overrideWithEnv allows overriding select fields via REDIALCORE_*
// environment variables.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("REDIALCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REDIALCORE_TIMEZONE"); v != "" {
		cfg.Policy.Timezone = v
	}
	if v := os.Getenv("REDIALCORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// RedialTick returns the redial dispatch loop's tick interval.
func (c *Config) RedialTick() time.Duration {
	return time.Duration(c.Redial.TickMinutes) * time.Minute
}

// SMSTick returns the SMS dispatch loop's tick interval.
func (c *Config) SMSTick() time.Duration {
	return time.Duration(c.SMS.TickMinutes) * time.Minute
}

// CallStatePersistInterval returns the tracker's coarse flush timer.
func (c *Config) CallStatePersistInterval() time.Duration {
	return time.Duration(c.CallState.PersistIntervalSeconds) * time.Second
}

// StalePendingMaxAge returns the tracker's staleness threshold.
func (c *Config) StalePendingMaxAge() time.Duration {
	return time.Duration(c.CallState.StalePendingMaxMinutes) * time.Minute
}

// RetentionWindow returns the shard retention window.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// StaleSweepInterval returns the Call-State Tracker staleness-sweep
// cadence.
func (c *Config) StaleSweepInterval() time.Duration {
	return time.Duration(c.Maintenance.StaleSweepMinutes) * time.Minute
}

// RetentionSweepInterval returns the shard retention-sweep cadence.
func (c *Config) RetentionSweepInterval() time.Duration {
	return time.Duration(c.Maintenance.RetentionSweepHours) * time.Hour
}
