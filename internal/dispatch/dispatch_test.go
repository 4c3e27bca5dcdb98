package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"redialcore/internal/adapters"
	"redialcore/internal/callstate"
	"redialcore/internal/clockpolicy"
	"redialcore/internal/logging"
	"redialcore/internal/redial"
	"redialcore/internal/smsfollowup"
	"redialcore/internal/store"
	"redialcore/internal/suppression"
)

type fakeVoice struct {
	mu    sync.Mutex
	calls []adapters.DialRequest
	fail  bool
}

func (f *fakeVoice) Dial(ctx context.Context, req adapters.DialRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []adapters.SMSRequest
	seq  int
}

func (f *fakeSMS) Send(ctx context.Context, req adapters.SMSRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	f.seq++
	return "msg-id", nil
}

func newTestLoop(t *testing.T, voice adapters.VoiceAdapter, sms adapters.SMSAdapter) (*Loop, *redial.Queue, *smsfollowup.Scheduler, *callstate.Tracker, *suppression.Store, *clockpolicy.Policy) {
	t.Helper()

	dataDir := t.TempDir()
	backing, err := store.New(dataDir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	policy, err := clockpolicy.New("UTC", "00:00", "23:59", nil, false)
	if err != nil {
		t.Fatalf("clockpolicy.New: %v", err)
	}

	queue, err := redial.New(backing, policy, redial.Config{
		MaxAttempts:          8,
		MaxDailyAttempts:     8,
		ProgressiveIntervals: []int{0, 0, 5, 10, 30, 60, 120},
		MinRetryGapMinutes:   2,
		ConsecutiveFailLimit: 3,
		OutcomeHistoryLimit:  20,
		CallHistoryLimit:     20,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("redial.New: %v", err)
	}

	smsSched, err := smsfollowup.New(backing, smsfollowup.Config{
		Templates: []string{"t0", "t1"},
		DayGaps:   []int{0, 1},
	})
	if err != nil {
		t.Fatalf("smsfollowup.New: %v", err)
	}

	calls, err := callstate.New(backing, logging.Nop(), time.Minute)
	if err != nil {
		t.Fatalf("callstate.New: %v", err)
	}

	sup, err := suppression.New(backing)
	if err != nil {
		t.Fatalf("suppression.New: %v", err)
	}

	loop := New(queue, smsSched, calls, sup, policy, voice, sms, logging.Nop(), Config{
		RedialTick:  time.Minute,
		SMSTick:     time.Minute,
		DialTimeout: 5 * time.Second,
		SMSFrom:     "+15550001111",
	})

	return loop, queue, smsSched, calls, sup, policy
}

func TestRedialTickDialsEligibleRecord(t *testing.T) {
	voice := &fakeVoice{}
	loop, queue, _, calls, _, _ := newTestLoop(t, voice, &fakeSMS{})

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	_, err := queue.Upsert(redial.RedialRecord{
		Phone:  "5551234567",
		LeadID: "lead-1",
		ListID: "list-1",
	}, now)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	loop.redialTick(now)

	if len(voice.calls) != 1 {
		t.Fatalf("expected 1 dial, got %d", len(voice.calls))
	}
	if calls.Count() != 1 {
		t.Fatalf("expected 1 tracked pending call, got %d", calls.Count())
	}
}

func TestRedialTickSkipsSuppressedPhone(t *testing.T) {
	voice := &fakeVoice{}
	loop, queue, _, _, sup, _ := newTestLoop(t, voice, &fakeSMS{})

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	if _, _, err := sup.Add(suppression.FieldPhone, "5551234567", "dnc", now); err != nil {
		t.Fatalf("Add suppression: %v", err)
	}
	if _, err := queue.Upsert(redial.RedialRecord{
		Phone:  "5551234567",
		LeadID: "lead-1",
		ListID: "list-1",
	}, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	loop.redialTick(now)

	if len(voice.calls) != 0 {
		t.Fatalf("expected 0 dials for suppressed phone, got %d", len(voice.calls))
	}
}

func TestRedialTickDefersWhenCallAlreadyInFlight(t *testing.T) {
	voice := &fakeVoice{}
	loop, queue, _, calls, _, _ := newTestLoop(t, voice, &fakeSMS{})

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	if _, err := queue.Upsert(redial.RedialRecord{
		Phone:  "5551234567",
		LeadID: "lead-1",
		ListID: "list-1",
	}, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := calls.Add(callstate.PendingCall{
		CallID:    "existing-call",
		Phone:     "5551234567",
		CreatedAt: now,
		Status:    callstate.StatusPending,
	}); err != nil {
		t.Fatalf("Add pending call: %v", err)
	}

	loop.redialTick(now)

	if len(voice.calls) != 0 {
		t.Fatalf("expected 0 new dials when a call is already in flight, got %d", len(voice.calls))
	}
}

func TestRedialTickRecordsDialFailure(t *testing.T) {
	voice := &fakeVoice{fail: true}
	loop, queue, _, _, _, _ := newTestLoop(t, voice, &fakeSMS{})

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	if _, err := queue.Upsert(redial.RedialRecord{
		Phone:  "5551234567",
		LeadID: "lead-1",
		ListID: "list-1",
	}, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	loop.redialTick(now)

	rec, found, err := queue.Get("5551234567")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected record to exist")
	}
	if rec.ConsecutiveAdapterFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", rec.ConsecutiveAdapterFailures)
	}
}

func TestSMSTickSendsEligibleRecord(t *testing.T) {
	smsAdapter := &fakeSMS{}
	loop, _, sched, _, _, _ := newTestLoop(t, &fakeVoice{}, smsAdapter)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "Ana", "Lee", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	loop.smsTick(now)

	if len(smsAdapter.sent) != 1 {
		t.Fatalf("expected 1 SMS sent, got %d", len(smsAdapter.sent))
	}
	if smsAdapter.sent[0].Body != "t0" {
		t.Fatalf("expected rendered template %q, got %q", "t0", smsAdapter.sent[0].Body)
	}

	rec, ok := sched.Get("5551234567")
	if !ok {
		t.Fatal("expected SMS record to exist")
	}
	if rec.SequencePosition != 1 {
		t.Fatalf("expected sequence_position 1, got %d", rec.SequencePosition)
	}
}

func TestOverlappingRedialTickExitsImmediately(t *testing.T) {
	voice := &fakeVoice{}
	loop, queue, _, _, _, _ := newTestLoop(t, voice, &fakeSMS{})

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	if _, err := queue.Upsert(redial.RedialRecord{
		Phone:  "5551234567",
		LeadID: "lead-1",
		ListID: "list-1",
	}, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	loop.mu.Lock()
	loop.redialInTick = true
	loop.mu.Unlock()

	loop.redialTick(now)

	if len(voice.calls) != 0 {
		t.Fatalf("expected overlapping tick to exit without dialing, got %d dials", len(voice.calls))
	}

	loop.mu.Lock()
	loop.redialInTick = false
	loop.mu.Unlock()

	loop.redialTick(now)
	if len(voice.calls) != 1 {
		t.Fatalf("expected 1 dial once the prior tick finished, got %d", len(voice.calls))
	}
}

func TestStartStopDoesNotPanicOrDoubleStart(t *testing.T) {
	loop, _, _, _, _, _ := newTestLoop(t, &fakeVoice{}, &fakeSMS{})

	loop.Start()
	loop.Start() // must be a no-op, not a double-start
	loop.Stop()
	loop.Stop() // must be a no-op, not a panic on double-close
}
