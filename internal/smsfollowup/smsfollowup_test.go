package smsfollowup

import (
	"testing"
	"time"

	"redialcore/internal/store"
)

func testConfig() Config {
	return Config{
		Templates: []string{"t0", "t1", "t2"},
		DayGaps:   []int{0, 1, 3},
	}
}

func alwaysCanSend(time.Time) bool { return true }

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	backing, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	sched, err := New(backing, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sched
}

func TestEnqueueIsImmediatelyEligible(t *testing.T) {
	sched := newScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "Ana", "Lee", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	elig := sched.EligibleRecords(now, alwaysCanSend)
	if len(elig) != 1 {
		t.Fatalf("expected 1 eligible record, got %d", len(elig))
	}
	if elig[0].SequencePosition != 0 {
		t.Fatalf("expected sequence_position 0, got %d", elig[0].SequencePosition)
	}
}

func TestMarkSentAdvancesSequenceAndReschedules(t *testing.T) {
	sched := newScheduler(t)
	enqueuedAt := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "Ana", "Lee", enqueuedAt); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := sched.MarkSent("5551234567", "provider-msg-1", enqueuedAt); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	rec, ok := sched.Get("5551234567")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.SequencePosition != 1 {
		t.Fatalf("expected sequence_position 1, got %d", rec.SequencePosition)
	}
	if rec.Status != StatusActive {
		t.Fatalf("expected still active, got %s", rec.Status)
	}
	wantNext := enqueuedAt.Add(24 * time.Hour)
	if !rec.NextEligibleTimestamp.Equal(wantNext) {
		t.Fatalf("expected next eligible %v, got %v", wantNext, rec.NextEligibleTimestamp)
	}

	// Not eligible the moment after sending position 0; still a day-gap away.
	elig := sched.EligibleRecords(enqueuedAt.Add(time.Hour), alwaysCanSend)
	if len(elig) != 0 {
		t.Fatalf("expected 0 eligible records before day-gap elapses, got %d", len(elig))
	}

	elig = sched.EligibleRecords(wantNext, alwaysCanSend)
	if len(elig) != 1 {
		t.Fatalf("expected 1 eligible record once day-gap elapses, got %d", len(elig))
	}
}

func TestSequenceCompletesAfterFinalMessage(t *testing.T) {
	sched := newScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "", "", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := sched.MarkSent("5551234567", "msg", now); err != nil {
			t.Fatalf("MarkSent #%d: %v", i, err)
		}
	}

	rec, ok := sched.Get("5551234567")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed after final message, got %s", rec.Status)
	}
	if len(rec.Sent) != 3 {
		t.Fatalf("expected 3 sent log entries, got %d", len(rec.Sent))
	}

	elig := sched.EligibleRecords(now.Add(30*24*time.Hour), alwaysCanSend)
	if len(elig) != 0 {
		t.Fatalf("completed record must never be eligible again, got %d", len(elig))
	}
}

func TestOptOutStopsSequenceAndIsIdempotentOnMissingRecord(t *testing.T) {
	sched := newScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	found, err := sched.OptOut("5559999999", now)
	if err != nil {
		t.Fatalf("OptOut on missing record: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a phone with no record")
	}

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "", "", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	found, err = sched.OptOut("5551234567", now)
	if err != nil {
		t.Fatalf("OptOut: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}

	rec, _ := sched.Get("5551234567")
	if rec.Status != StatusOptedOut {
		t.Fatalf("expected opted_out, got %s", rec.Status)
	}

	elig := sched.EligibleRecords(now, alwaysCanSend)
	if len(elig) != 0 {
		t.Fatalf("opted-out record must not be eligible, got %d", len(elig))
	}
}

func TestCancelStopsSequence(t *testing.T) {
	sched := newScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "", "", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := sched.Cancel("5551234567"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	rec, _ := sched.Get("5551234567")
	if rec.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
}

func TestReenqueueRestartsSequence(t *testing.T) {
	sched := newScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "", "", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := sched.MarkSent("5551234567", "msg", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	later := now.Add(72 * time.Hour)
	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "", "", later); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}

	rec, _ := sched.Get("5551234567")
	if rec.SequencePosition != 0 {
		t.Fatalf("expected sequence_position reset to 0, got %d", rec.SequencePosition)
	}
	if rec.Status != StatusActive {
		t.Fatalf("expected active after re-enqueue, got %s", rec.Status)
	}
	if len(rec.Sent) != 0 {
		t.Fatalf("expected send log reset, got %d entries", len(rec.Sent))
	}
}

func TestCanSendPredicateGatesEligibility(t *testing.T) {
	sched := newScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "", "", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	neverSend := func(time.Time) bool { return false }
	elig := sched.EligibleRecords(now, neverSend)
	if len(elig) != 0 {
		t.Fatalf("expected 0 eligible when canSend always false, got %d", len(elig))
	}
}

func TestPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	backing, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	sched, err := New(backing, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "Ana", "Lee", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := sched.MarkSent("5551234567", "msg-1", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	reloaded, err := New(backing, testConfig())
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	rec, ok := reloaded.Get("5551234567")
	if !ok {
		t.Fatal("expected record to survive reload")
	}
	if rec.SequencePosition != 1 {
		t.Fatalf("expected sequence_position 1 after reload, got %d", rec.SequencePosition)
	}
	if len(rec.Sent) != 1 {
		t.Fatalf("expected 1 sent entry after reload, got %d", len(rec.Sent))
	}
}

func TestListReturnsAllRecords(t *testing.T) {
	sched := newScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	if err := sched.Enqueue("5551234567", "lead-1", "list-1", "", "", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := sched.Enqueue("5557654321", "lead-2", "list-1", "", "", now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if got := len(sched.List()); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
}
