// Command redialcore runs the outbound calling orchestrator core:
// the Redial Queue, SMS Follow-up Scheduler, Call-State Tracker, and
// Suppression Store, driven by the Dispatch Loop and fed by
// Completion Ingress. Components start one by one with deferred
// Stops, then the process waits on SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"redialcore/internal/adapters"
	"redialcore/internal/callstate"
	"redialcore/internal/clockpolicy"
	"redialcore/internal/config"
	"redialcore/internal/dispatch"
	"redialcore/internal/ingress"
	"redialcore/internal/logging"
	"redialcore/internal/maintenance"
	"redialcore/internal/redial"
	"redialcore/internal/smsfollowup"
	"redialcore/internal/store"
	"redialcore/internal/suppression"
)

const defaultConfigPath = "/etc/redialcore/redialcore.yaml"

// shutdownBudget is the grace period an external process supervisor
// should allow between SIGTERM and SIGKILL.
const shutdownBudget = 10 * time.Second

func main() {
	configPath := flag.String("config", envOr("REDIALCORE_CONFIG", defaultConfigPath), "path to redialcore.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redialcore: loading config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File: logging.FileConfig{
			Enabled:    cfg.Log.File.Enabled,
			Path:       cfg.Log.File.Path,
			MaxSizeMB:  cfg.Log.File.MaxSizeMB,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAgeDays: cfg.Log.File.MaxAgeDays,
			Compress:   cfg.Log.File.Compress,
		},
	}).Component("main")

	log.Infof("redialcore starting (config=%s)", *configPath)

	redialStore, err := store.New(filepath.Join(cfg.DataDir, "redial-queue"))
	if err != nil {
		log.WithError(err).Errorf("opening redial-queue store")
		os.Exit(1)
	}
	rootStore, err := store.New(cfg.DataDir)
	if err != nil {
		log.WithError(err).Errorf("opening root data store")
		os.Exit(1)
	}
	webhookStore, err := store.New(filepath.Join(cfg.DataDir, "webhook-logs"))
	if err != nil {
		log.WithError(err).Errorf("opening webhook-logs store")
		os.Exit(1)
	}

	// scheduler-config.json is the authoritative schedule policy once
	// present; the YAML config only seeds it on first start.
	schedDoc, schedExisted, err := clockpolicy.LoadConfigDocument(rootStore)
	if err != nil {
		log.WithError(err).Errorf("loading scheduler config")
		os.Exit(1)
	}
	if !schedExisted {
		schedDoc = clockpolicy.ConfigDocument{
			Timezone:             cfg.Policy.Timezone,
			BusinessStart:        cfg.Policy.BusinessStart,
			BusinessEnd:          cfg.Policy.BusinessEnd,
			BlackoutDates:        cfg.Policy.BlackoutDates,
			SMSBusinessHoursOnly: cfg.Policy.SMSBusinessHoursOnly(),
		}
		if err := clockpolicy.SaveConfigDocument(rootStore, schedDoc); err != nil {
			log.WithError(err).Errorf("seeding scheduler config")
			os.Exit(1)
		}
	}
	policy, err := clockpolicy.FromDocument(schedDoc)
	if err != nil {
		log.WithError(err).Errorf("building clock policy")
		os.Exit(1)
	}

	sup, err := suppression.New(rootStore)
	if err != nil {
		log.WithError(err).Errorf("loading suppression store")
		os.Exit(1)
	}

	calls, err := callstate.New(rootStore, log, cfg.CallStatePersistInterval())
	if err != nil {
		log.WithError(err).Errorf("loading call-state tracker")
		os.Exit(1)
	}
	calls.StartPeriodicFlush()
	defer calls.Stop()

	queue, err := redial.New(redialStore, policy, redial.Config{
		MaxAttempts:          cfg.Redial.MaxAttempts,
		MaxDailyAttempts:     cfg.Redial.MaxDailyAttempts,
		ProgressiveIntervals: cfg.Redial.ProgressiveIntervals,
		MinRetryGapMinutes:   cfg.Redial.MinRetryGapMinutes,
		ResetTiming:          cfg.Redial.ResetTiming,
		PendingGraceMinutes:  cfg.Redial.PendingGraceMinutes,
		TodayOnlyDispatch:    cfg.Redial.TodayOnly(),
		ConsecutiveFailLimit: cfg.Redial.ConsecutiveFailLimit,
		OutcomeHistoryLimit:  cfg.Redial.OutcomeHistoryLimit,
		CallHistoryLimit:     cfg.Redial.CallHistoryLimit,
		RetentionWindow:      cfg.RetentionWindow(),
	}, log)
	if err != nil {
		log.WithError(err).Errorf("loading redial queue")
		os.Exit(1)
	}

	sms, err := smsfollowup.New(rootStore, smsfollowup.Config{
		Templates: cfg.SMS.Templates,
		DayGaps:   cfg.SMS.DayGaps,
	})
	if err != nil {
		log.WithError(err).Errorf("loading SMS follow-up scheduler")
		os.Exit(1)
	}

	var crm adapters.UpstreamCRM // nil: no upstream CRM wired for this deployment
	ing := ingress.New(queue, sms, calls, sup, webhookStore, crm, log, policy.DateKey)

	voice, smsAdapter := newStandaloneAdapters(log)

	dispatchLoop := dispatch.New(queue, sms, calls, sup, policy, voice, smsAdapter, log, dispatch.Config{
		RedialTick:  cfg.RedialTick(),
		SMSTick:     cfg.SMSTick(),
		DialTimeout: 30 * time.Second,
		SMSFrom:     cfg.SMS.FromNumber,
	})
	dispatchLoop.SetBlockedAuditor(ing)
	dispatchLoop.Start()
	defer dispatchLoop.Stop()

	maintLoop := maintenance.New(queue, calls, ing, policy, log, maintenance.Config{
		ResetTiming:        cfg.Redial.ResetTiming,
		StaleSweepInterval: cfg.StaleSweepInterval(),
		RetentionInterval:  cfg.RetentionSweepInterval(),
		RetentionWindow:    cfg.RetentionWindow(),
		StalePendingMaxAge: cfg.StalePendingMaxAge(),
	})
	maintLoop.Start()
	defer maintLoop.Stop()

	log.Infof("redialcore running (data_dir=%s, timezone=%s)", cfg.DataDir, cfg.Policy.Timezone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutdown signal received, stopping (budget=%s)", shutdownBudget)
	// The deferred Stop calls above each wait out their own in-flight
	// tick; shutdownBudget bounds how long an external supervisor
	// should wait before sending SIGKILL.
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
