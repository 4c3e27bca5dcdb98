package maintenance

import (
	"testing"
	"time"

	"redialcore/internal/callstate"
	"redialcore/internal/clockpolicy"
	"redialcore/internal/logging"
	"redialcore/internal/redial"
	"redialcore/internal/store"
)

func newTestLoop(t *testing.T) (*Loop, *redial.Queue, *callstate.Tracker, *clockpolicy.Policy) {
	t.Helper()

	backing, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	policy, err := clockpolicy.New("UTC", "00:00", "23:59", nil, false)
	if err != nil {
		t.Fatalf("clockpolicy.New: %v", err)
	}

	queue, err := redial.New(backing, policy, redial.Config{
		MaxAttempts:          8,
		MaxDailyAttempts:     2,
		ProgressiveIntervals: []int{0, 0, 5},
		MinRetryGapMinutes:   2,
		ConsecutiveFailLimit: 3,
		OutcomeHistoryLimit:  20,
		CallHistoryLimit:     20,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("redial.New: %v", err)
	}

	calls, err := callstate.New(backing, logging.Nop(), time.Minute)
	if err != nil {
		t.Fatalf("callstate.New: %v", err)
	}

	loop := New(queue, calls, nil, policy, logging.Nop(), Config{
		ResetTiming:        "midnight",
		StaleSweepInterval: 50 * time.Millisecond,
		RetentionInterval:  time.Hour,
		RetentionWindow:    30 * 24 * time.Hour,
		StalePendingMaxAge: 10 * time.Minute,
	})
	return loop, queue, calls, policy
}

func TestStaleSweepDemotesOldPendingCalls(t *testing.T) {
	loop, _, calls, policy := newTestLoop(t)

	old := policy.Now().Add(-time.Hour)
	if err := calls.Add(callstate.PendingCall{
		CallID:    "call-1",
		Phone:     "5551234567",
		CreatedAt: old,
		Status:    callstate.StatusPending,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	loop.Start()
	defer loop.Stop()

	deadline := time.After(2 * time.Second)
	for {
		rec, ok := calls.Get("call-1")
		if ok && rec.Status == callstate.StatusFailed {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected stale sweep to demote the pending call within the deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStartStopDoesNotPanicOrDoubleStart(t *testing.T) {
	loop, _, _, _ := newTestLoop(t)

	loop.Start()
	loop.Start()
	loop.Stop()
	loop.Stop()
}

func TestDailyResetReopensCappedRecords(t *testing.T) {
	loop, queue, _, policy := newTestLoop(t)
	_ = loop

	now := policy.Now()
	if _, err := queue.Upsert(redial.RedialRecord{
		Phone:  "5559876543",
		LeadID: "lead-1",
		ListID: "list-1",
	}, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := queue.ApplyCompletion("5559876543", "call-a", redial.OutcomeVoicemail, now, nil); err != nil {
		t.Fatalf("ApplyCompletion 1: %v", err)
	}
	if _, err := queue.ApplyCompletion("5559876543", "call-b", redial.OutcomeVoicemail, now, nil); err != nil {
		t.Fatalf("ApplyCompletion 2: %v", err)
	}

	rec, _, err := queue.Get("5559876543")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != redial.StatusDailyMaxReached {
		t.Fatalf("expected daily_max_reached, got %s", rec.Status)
	}

	reopened, err := queue.DailyReset(now.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("DailyReset: %v", err)
	}
	if reopened != 1 {
		t.Fatalf("expected 1 reopened record, got %d", reopened)
	}

	rec, _, err = queue.Get("5559876543")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != redial.StatusPending {
		t.Fatalf("expected pending after reset, got %s", rec.Status)
	}
}
