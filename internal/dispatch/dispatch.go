// Package dispatch implements the Dispatch Loop: two independently
// ticking workers, one driving the Redial Queue and one driving the
// SMS Follow-up Scheduler, each guarded so overlapping ticks exit
// immediately rather than double-processing the working set.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"redialcore/internal/adapters"
	"redialcore/internal/callstate"
	"redialcore/internal/clockpolicy"
	"redialcore/internal/logging"
	"redialcore/internal/redial"
	"redialcore/internal/smsfollowup"
	"redialcore/internal/suppression"
)

// Config carries the loop's tunables.
type Config struct {
	RedialTick  time.Duration
	SMSTick     time.Duration
	DialTimeout time.Duration
	SMSFrom     string
}

// BlockedAuditor records contact attempts aborted by the pre-contact
// gate. The Completion Ingress implements it against the daily
// webhook/blocked-attempts log.
type BlockedAuditor interface {
	LogBlockedAttempt(phone, purpose, reason string, now time.Time)
}

// Loop owns both dispatch tickers and every dependency a dispatch
// cycle touches.
type Loop struct {
	queue       *redial.Queue
	sms         *smsfollowup.Scheduler
	calls       *callstate.Tracker
	suppression *suppression.Store
	policy      *clockpolicy.Policy
	voice       adapters.VoiceAdapter
	smsAdapter  adapters.SMSAdapter
	audit       BlockedAuditor
	log         *logging.Logger
	cfg         Config

	mu           sync.Mutex
	running      bool
	redialInTick bool
	smsInTick    bool
	stopRedial   chan struct{}
	stopSMS      chan struct{}
	wg           sync.WaitGroup
}

// New builds a Loop. Reporting outcomes to an UpstreamCRM is the
// Completion Ingress's responsibility, not the dispatch side, since
// it happens on completion, not on dial.
func New(
	queue *redial.Queue,
	sms *smsfollowup.Scheduler,
	calls *callstate.Tracker,
	sup *suppression.Store,
	policy *clockpolicy.Policy,
	voice adapters.VoiceAdapter,
	smsAdapter adapters.SMSAdapter,
	log *logging.Logger,
	cfg Config,
) *Loop {
	return &Loop{
		queue:       queue,
		sms:         sms,
		calls:       calls,
		suppression: sup,
		policy:      policy,
		voice:       voice,
		smsAdapter:  smsAdapter,
		log:         log.Component("dispatch"),
		cfg:         cfg,
	}
}

// SetBlockedAuditor wires the blocked-attempts audit sink. Optional;
// a nil auditor just skips the audit append.
func (l *Loop) SetBlockedAuditor(a BlockedAuditor) {
	l.audit = a
}

// Start begins both ticker loops. Calling Start on an already-running
// Loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopRedial = make(chan struct{})
	l.stopSMS = make(chan struct{})
	l.wg.Add(2)
	l.mu.Unlock()

	go l.runRedial()
	go l.runSMS()
	l.log.Infof("dispatch loop started (redial_tick=%s, sms_tick=%s)", l.cfg.RedialTick, l.cfg.SMSTick)
}

// Stop signals both loops and waits for the current tick (if any) to
// finish. The wait has no timeout.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopRedial)
	close(l.stopSMS)
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Infof("dispatch loop stopped")
}

func (l *Loop) runRedial() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.RedialTick)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRedial:
			return
		case <-ticker.C:
			l.redialTick(l.policy.Now())
		}
	}
}

func (l *Loop) runSMS() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SMSTick)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSMS:
			return
		case <-ticker.C:
			l.smsTick(l.policy.Now())
		}
	}
}

// preContactGate consolidates the suppression and in-flight checks
// every dial or SMS send must pass. It never mutates state; callers
// decide what to do with a blocked phone.
func (l *Loop) preContactGate(phone, leadID string) (blocked bool, reason string) {
	if l.suppression != nil {
		if l.suppression.CheckPhone(phone) {
			return true, "suppressed_phone"
		}
		if leadID != "" {
			if b, _ := l.suppression.Check(suppression.FieldLeadID, leadID); b {
				return true, "suppressed_lead"
			}
		}
	}
	if _, pending := l.calls.AnyPendingFor(phone); pending {
		return true, "call_in_flight"
	}
	return false, ""
}

func (l *Loop) redialTick(now time.Time) {
	l.mu.Lock()
	if l.redialInTick {
		l.mu.Unlock()
		return
	}
	l.redialInTick = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.redialInTick = false
		l.mu.Unlock()
	}()

	if !l.policy.CanDispatch(now) {
		return
	}

	records, err := l.queue.EligibleRecords(now)
	if err != nil {
		l.log.WithError(err).Errorf("loading eligible redial records")
		return
	}
	if len(records) == 0 {
		return
	}

	dialed, deferred, blocked := 0, 0, 0
	for _, rec := range records {
		if isBlocked, reason := l.preContactGate(rec.Phone, rec.LeadID); isBlocked {
			if reason == "call_in_flight" {
				if err := l.queue.DeferForPendingCall(rec.Phone, now); err != nil {
					l.log.WithError(err).Errorf("deferring %s for pending call", rec.Phone)
				}
				deferred++
				continue
			}
			l.log.With(map[string]any{"phone": rec.Phone, "lead_id": rec.LeadID, "reason": reason}).Warnf("dial blocked by pre-contact gate")
			if l.audit != nil {
				l.audit.LogBlockedAttempt(rec.Phone, "dial", reason, now)
			}
			blocked++
			continue
		}
		l.dialOne(rec, now)
		dialed++
	}

	l.log.With(map[string]any{
		"eligible": len(records),
		"dialed":   dialed,
		"deferred": deferred,
		"blocked":  blocked,
	}).Infof("redial tick complete")
}

func (l *Loop) dialOne(rec redial.RedialRecord, now time.Time) {
	callID := uuid.NewString()

	if err := l.calls.Add(callstate.PendingCall{
		CallID:    callID,
		LeadID:    rec.LeadID,
		ListID:    rec.ListID,
		Phone:     rec.Phone,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		CreatedAt: now,
		Status:    callstate.StatusPending,
	}); err != nil {
		l.log.WithError(err).Errorf("registering pending call for %s", rec.Phone)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DialTimeout)
	defer cancel()

	err := l.voice.Dial(ctx, adapters.DialRequest{
		CallID:    callID,
		LeadID:    rec.LeadID,
		ListID:    rec.ListID,
		Phone:     rec.Phone,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Timeout:   l.cfg.DialTimeout,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// A timed-out dial may still have gone through; the call
			// stays pending so the guard holds until the completion
			// arrives or the stale sweep reconciles it.
			l.log.With(map[string]any{"phone": rec.Phone, "call_id": callID}).Warnf("dial timed out, leaving call pending for stale sweep")
		} else {
			_ = l.calls.Fail(callID, err.Error())
		}
		demoted, rerr := l.queue.RecordDialFailure(rec.Phone, now)
		if rerr != nil {
			l.log.WithError(rerr).Errorf("recording dial failure for %s", rec.Phone)
		}
		if demoted {
			l.log.With(map[string]any{"phone": rec.Phone}).Infof("record paused after consecutive adapter failures")
		}
		return
	}

	if err := l.queue.RecordDialSuccess(rec.Phone, now); err != nil {
		l.log.WithError(err).Errorf("recording dial success for %s", rec.Phone)
	}
}

func (l *Loop) smsTick(now time.Time) {
	l.mu.Lock()
	if l.smsInTick {
		l.mu.Unlock()
		return
	}
	l.smsInTick = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.smsInTick = false
		l.mu.Unlock()
	}()

	records := l.sms.EligibleRecords(now, l.policy.CanSendSMS)
	if len(records) == 0 {
		return
	}

	sent, blocked := 0, 0
	for _, rec := range records {
		if isBlocked, reason := l.preContactGate(rec.Phone, rec.LeadID); isBlocked {
			l.log.With(map[string]any{"phone": rec.Phone, "lead_id": rec.LeadID, "reason": reason}).Warnf("sms blocked by pre-contact gate")
			if l.audit != nil {
				l.audit.LogBlockedAttempt(rec.Phone, "sms", reason, now)
			}
			blocked++
			continue
		}

		body := l.sms.TemplateFor(rec)
		if body == "" {
			l.log.With(map[string]any{"phone": rec.Phone}).Warnf("no template for sequence position %d, skipping", rec.SequencePosition)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DialTimeout)
		msgID, err := l.smsAdapter.Send(ctx, adapters.SMSRequest{
			Phone:      rec.Phone,
			FromNumber: l.cfg.SMSFrom,
			Body:       body,
		})
		cancel()
		if err != nil {
			l.log.WithError(err).Errorf("sending SMS to %s", rec.Phone)
			continue
		}
		if err := l.sms.MarkSent(rec.Phone, msgID, now); err != nil {
			l.log.WithError(err).Errorf("recording SMS sent for %s", rec.Phone)
			continue
		}
		sent++
	}

	l.log.With(map[string]any{
		"eligible": len(records),
		"sent":     sent,
		"blocked":  blocked,
	}).Infof("sms tick complete")
}
