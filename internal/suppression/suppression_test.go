package suppression

import (
	"testing"
	"time"

	"redialcore/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backing, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s, err := New(backing)
	if err != nil {
		t.Fatalf("suppression.New: %v", err)
	}
	return s
}

func TestAddAndCheckPhone(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	if s.CheckPhone("(555) 123-4567") {
		t.Fatal("expected number to not be suppressed before Add")
	}

	if _, existed, err := s.Add(FieldPhone, "(555) 123-4567", "consumer opt-out", now); err != nil {
		t.Fatalf("Add: %v", err)
	} else if existed {
		t.Error("expected alreadyExisted=false on first Add")
	}

	if !s.CheckPhone("5551234567") {
		t.Error("expected number to be suppressed after Add, checked via differently formatted key")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	f1, existed1, err := s.Add(FieldPhone, "5551234567", "first reason", now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if existed1 {
		t.Fatal("expected alreadyExisted=false on first Add")
	}

	f2, existed2, err := s.Add(FieldPhone, "5551234567", "second reason", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Add (second): %v", err)
	}
	if !existed2 {
		t.Error("expected alreadyExisted=true on duplicate Add")
	}
	if f2.Reason != f1.Reason {
		t.Errorf("expected existing flag to be returned unchanged, got reason %q want %q", f2.Reason, f1.Reason)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	flag, _, err := s.Add(FieldPhone, "5551234567", "test", now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	removed, err := s.Remove(flag.ID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Error("expected Remove to report true")
	}
	if s.CheckPhone("5551234567") {
		t.Error("expected number to not be suppressed after Remove")
	}
}

func TestRemoveUnknownID(t *testing.T) {
	s := newTestStore(t)
	removed, err := s.Remove("flag-999")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed {
		t.Error("expected Remove of unknown id to report false")
	}
}

func TestSetEnabledFalseBypassesCheck(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if _, _, err := s.Add(FieldPhone, "5551234567", "test", now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.SetEnabled(false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if s.CheckPhone("5551234567") {
		t.Error("expected CheckPhone to bypass even a suppressed number when store is disabled")
	}

	if err := s.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if !s.CheckPhone("5551234567") {
		t.Error("expected CheckPhone to resume blocking once re-enabled")
	}
}

func TestNewStoreDefaultsToEnabled(t *testing.T) {
	backing, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s, err := New(backing)
	if err != nil {
		t.Fatalf("suppression.New: %v", err)
	}
	now := time.Now()
	if _, _, err := s.Add(FieldPhone, "5551234567", "test", now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.CheckPhone("5551234567") {
		t.Error("expected a fresh store (no prior blocklist-config shard) to check suppressions by default")
	}
}

func TestPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	backing, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s, err := New(backing)
	if err != nil {
		t.Fatalf("suppression.New: %v", err)
	}
	if _, _, err := s.Add(FieldPhone, "5551234567", "reload test", time.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	backing2, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New (reload): %v", err)
	}
	s2, err := New(backing2)
	if err != nil {
		t.Fatalf("suppression.New (reload): %v", err)
	}
	if !s2.CheckPhone("5551234567") {
		t.Error("expected suppression to survive a reload")
	}
}

func TestReloadAfterRemoveNeverReissuesLiveID(t *testing.T) {
	dir := t.TempDir()
	backing, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s, err := New(backing)
	if err != nil {
		t.Fatalf("suppression.New: %v", err)
	}
	now := time.Now()

	first, _, err := s.Add(FieldPhone, "5551111111", "a", now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	survivor, _, err := s.Add(FieldPhone, "5552222222", "b", now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Remove(first.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	backing2, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New (reload): %v", err)
	}
	s2, err := New(backing2)
	if err != nil {
		t.Fatalf("suppression.New (reload): %v", err)
	}
	added, _, err := s2.Add(FieldPhone, "5553333333", "c", now)
	if err != nil {
		t.Fatalf("Add after reload: %v", err)
	}
	if added.ID == survivor.ID {
		t.Fatalf("reloaded store reissued live id %s", survivor.ID)
	}
	if blocked, f := s2.Check(FieldPhone, "5552222222"); !blocked || f.ID != survivor.ID {
		t.Fatalf("survivor flag corrupted after reload: blocked=%v flag=%+v", blocked, f)
	}
}

func TestCheckByLeadIDAndEmail(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	if _, _, err := s.Add(FieldLeadID, "lead-42", "fraud", now); err != nil {
		t.Fatalf("Add lead_id: %v", err)
	}
	if _, _, err := s.Add(FieldEmail, "user@example.com", "opt-out", now); err != nil {
		t.Fatalf("Add email: %v", err)
	}

	if blocked, _ := s.Check(FieldLeadID, "lead-42"); !blocked {
		t.Error("expected lead-42 to be blocked")
	}
	if blocked, _ := s.Check(FieldEmail, "user@example.com"); !blocked {
		t.Error("expected email to be blocked")
	}
	if blocked, _ := s.Check(FieldPhone, "lead-42"); blocked {
		t.Error("expected fields to not cross-contaminate")
	}
}

func TestListAndCount(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	for _, p := range []string{"5551234567", "5559876543"} {
		if _, _, err := s.Add(FieldPhone, p, "test", now); err != nil {
			t.Fatalf("Add(%s): %v", p, err)
		}
	}

	if got := s.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	if got := len(s.List()); got != 2 {
		t.Errorf("len(List()) = %d, want 2", got)
	}
}
