// Package maintenance drives the core's three housekeeping timers:
// the daily-reset boundary, the shard retention sweep, and the
// call tracker's stale-pending sweep. Scheduled transitions live in
// the records as absolute timestamps and the sweeps are the only
// paths that trigger them, which keeps restart semantics trivial:
// no timer handle ever retains a record.
package maintenance

import (
	"sync"
	"time"

	"redialcore/internal/callstate"
	"redialcore/internal/clockpolicy"
	"redialcore/internal/ingress"
	"redialcore/internal/logging"
	"redialcore/internal/redial"
)

// Config carries the maintenance loop's tunables.
type Config struct {
	ResetTiming        string // "midnight" | "business_hours"
	StaleSweepInterval time.Duration
	RetentionInterval  time.Duration
	RetentionWindow    time.Duration
	StalePendingMaxAge time.Duration
}

// Loop owns the daily-reset, retention-sweep, and stale-pending-sweep
// timers.
type Loop struct {
	queue   *redial.Queue
	calls   *callstate.Tracker
	ingress *ingress.Ingress
	policy  *clockpolicy.Policy
	log     *logging.Logger
	cfg     Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Loop. ing may be nil if no webhook log retention sweep
// is wanted (tests, or a deployment with webhook logging disabled).
func New(queue *redial.Queue, calls *callstate.Tracker, ing *ingress.Ingress, policy *clockpolicy.Policy, log *logging.Logger, cfg Config) *Loop {
	return &Loop{
		queue:   queue,
		calls:   calls,
		ingress: ing,
		policy:  policy,
		log:     log.Component("maintenance"),
		cfg:     cfg,
	}
}

// Start begins all three timers. A no-op if already running.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	l.wg.Add(3)
	l.mu.Unlock()

	go l.runDailyReset()
	go l.runStaleSweep()
	go l.runRetentionSweep()
	l.log.Infof("maintenance timers started (reset_timing=%s, stale_sweep=%s, retention_sweep=%s)",
		l.cfg.ResetTiming, l.cfg.StaleSweepInterval, l.cfg.RetentionInterval)
}

// Stop signals all three timers and waits for the current tick (if
// any) of each to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Infof("maintenance timers stopped")
}

// runDailyReset sleeps until each computed reset boundary rather than
// polling on a fixed tick.
func (l *Loop) runDailyReset() {
	defer l.wg.Done()

	for {
		now := l.policy.Now()
		boundary := l.policy.NextResetBoundary(now, l.cfg.ResetTiming)
		wait := boundary.Sub(now)
		if wait <= 0 {
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.stop:
			timer.Stop()
			return
		case <-timer.C:
			reopened, err := l.queue.DailyReset(l.policy.Now())
			if err != nil {
				l.log.WithError(err).Errorf("daily reset")
				continue
			}
			l.log.With(map[string]any{"reopened": reopened}).Infof("daily reset applied")
		}
	}
}

func (l *Loop) runStaleSweep() {
	defer l.wg.Done()

	interval := l.cfg.StaleSweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			demoted, err := l.calls.SweepStale(l.cfg.StalePendingMaxAge, l.policy.Now())
			if err != nil {
				l.log.WithError(err).Errorf("stale pending sweep")
				continue
			}
			if demoted > 0 {
				l.log.With(map[string]any{"demoted": demoted}).Infof("stale pending sweep")
			}
		}
	}
}

func (l *Loop) runRetentionSweep() {
	defer l.wg.Done()

	interval := l.cfg.RetentionInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepRetention()
		}
	}
}

func (l *Loop) sweepRetention() {
	now := l.policy.Now()

	deletedShards, err := l.queue.RetentionSweep(now, l.cfg.RetentionWindow)
	if err != nil {
		l.log.WithError(err).Errorf("redial retention sweep")
	} else if len(deletedShards) > 0 {
		l.log.With(map[string]any{"shards": deletedShards}).Infof("redial retention sweep")
	}

	if l.ingress != nil {
		deletedLogs, err := l.ingress.PruneWebhookLogs(now, l.cfg.RetentionWindow)
		if err != nil {
			l.log.WithError(err).Errorf("webhook log retention sweep")
		} else if len(deletedLogs) > 0 {
			l.log.With(map[string]any{"shards": deletedLogs}).Infof("webhook log retention sweep")
		}
	}
}
