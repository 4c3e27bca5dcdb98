// Package callstate implements the in-flight call registry that
// prevents concurrent dials to the same phone and lets Completion
// Ingress locate the record a webhook belongs to. The registry is
// keyed by provider call id and persisted to disk on every state
// change plus a coarse timer, so a restart never forgets which calls
// were mid-flight.
package callstate

import (
	"sync"
	"time"

	"redialcore/internal/apperrors"
	"redialcore/internal/logging"
	"redialcore/internal/phonekey"
	"redialcore/internal/store"
)

const shardKey = "call-state-cache"

// Status is a PendingCall's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PendingCall is one in-flight (or just-finished) outbound call.
type PendingCall struct {
	CallID    string    `json:"call_id"`
	RequestID string    `json:"request_id"`
	LeadID    string    `json:"lead_id"`
	ListID    string    `json:"list_id"`
	Phone     string    `json:"phone"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

type document struct {
	Calls map[string]PendingCall `json:"calls"` // call_id -> PendingCall
}

// Tracker is the disk-backed in-flight call registry. A single
// RWMutex serializes Add against AnyPendingFor so the Dispatch Loop's
// concurrent-dial guard is sound against two dispatchers picking the
// same record.
type Tracker struct {
	backing *store.Store
	log     *logging.Logger

	mu    sync.RWMutex
	calls map[string]*PendingCall

	flushInterval time.Duration
	stopFlush     chan struct{}
	flushWG       sync.WaitGroup

	// flushFailures counts consecutive periodic-flush failures; three
	// in a row means the shard has been unwritable for longer than
	// flushInterval x 3 and an operator alert is due.
	flushFailures int
}

// New loads (or initializes) the tracker from backing. On startup it
// rehydrates the full set, including entries left in `pending` by an
// unclean shutdown; those remain for the stale sweep to reconcile.
func New(backing *store.Store, log *logging.Logger, flushInterval time.Duration) (*Tracker, error) {
	var doc document
	if err := backing.ReadShard(shardKey, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "loading call-state shard")
	}

	calls := make(map[string]*PendingCall, len(doc.Calls))
	for id, c := range doc.Calls {
		cp := c
		calls[id] = &cp
	}

	return &Tracker{
		backing:       backing,
		log:           log.Component("callstate"),
		calls:         calls,
		flushInterval: flushInterval,
	}, nil
}

func (t *Tracker) flushLocked() error {
	doc := document{Calls: make(map[string]PendingCall, len(t.calls))}
	for id, c := range t.calls {
		doc.Calls[id] = *c
	}
	if err := t.backing.WriteShard(shardKey, doc); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "writing call-state shard")
	}
	return nil
}

// Add registers a new in-flight call, persisting immediately.
func (t *Tracker) Add(call PendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := call
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	t.calls[cp.CallID] = &cp
	t.log.Debugf("tracker: added pending call %s phone=%s", cp.CallID, cp.Phone)
	return t.flushLocked()
}

// Get retrieves a tracked call by call id.
func (t *Tracker) Get(callID string) (PendingCall, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.calls[callID]
	if !ok {
		return PendingCall{}, false
	}
	return *c, true
}

// Complete marks a call completed, persisting immediately.
func (t *Tracker) Complete(callID string) error {
	return t.setStatus(callID, StatusCompleted, "")
}

// Fail marks a call failed with the given error detail, persisting
// immediately.
func (t *Tracker) Fail(callID, errDetail string) error {
	return t.setStatus(callID, StatusFailed, errDetail)
}

func (t *Tracker) setStatus(callID string, status Status, errDetail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[callID]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "no tracked call "+callID)
	}
	c.Status = status
	c.Error = errDetail
	return t.flushLocked()
}

// Remove deletes a call from the registry, persisting immediately.
// Used once Completion Ingress has reconciled the call against its
// RedialRecord.
func (t *Tracker) Remove(callID string) (PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[callID]
	if !ok {
		return PendingCall{}, apperrors.New(apperrors.ErrNotFound, "no tracked call "+callID)
	}
	delete(t.calls, callID)
	if err := t.flushLocked(); err != nil {
		return *c, err
	}
	return *c, nil
}

// AnyPendingFor reports whether a PendingCall with status=pending
// already exists for phone, the Dispatch Loop's last guard against
// concurrent dials. Linear scan: the pending set is small by
// construction (at most one per in-flight phone).
func (t *Tracker) AnyPendingFor(phone string) (PendingCall, bool) {
	key := phonekey.Normalize(phone)

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.calls {
		if c.Status == StatusPending && phonekey.Normalize(c.Phone) == key {
			return *c, true
		}
	}
	return PendingCall{}, false
}

// SweepStale demotes pending calls older than maxAge to failed,
// persisting if any were changed. Reconciles calls whose completion
// webhook was lost or whose adapter call timed out.
func (t *Tracker) SweepStale(maxAge time.Duration, now time.Time) (demoted int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := now.Add(-maxAge)
	for _, c := range t.calls {
		if c.Status == StatusPending && c.CreatedAt.Before(threshold) {
			c.Status = StatusFailed
			c.Error = "stale: no completion observed within max age"
			demoted++
			t.log.Warnf("tracker: demoted stale pending call %s (age exceeds %s)", c.CallID, maxAge)
		}
	}
	if demoted == 0 {
		return 0, nil
	}
	return demoted, t.flushLocked()
}

// Count returns the number of tracked calls (any status).
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

// List returns every tracked call, for admin inspection.
func (t *Tracker) List() []PendingCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PendingCall, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, *c)
	}
	return out
}

// StartPeriodicFlush runs a coarse timer that flushes the tracker to
// disk even absent a state-changing operation. Call Stop to halt it
// during graceful shutdown.
func (t *Tracker) StartPeriodicFlush() {
	t.stopFlush = make(chan struct{})
	t.flushWG.Add(1)
	go func() {
		defer t.flushWG.Done()
		ticker := time.NewTicker(t.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.mu.Lock()
				if err := t.flushLocked(); err != nil {
					t.flushFailures++
					if t.flushFailures >= 3 {
						t.log.WithError(err).Errorf("tracker: call-state shard unwritable for %s, operator attention required", time.Duration(t.flushFailures)*t.flushInterval)
					} else {
						t.log.WithError(err).Warnf("tracker: periodic flush failed")
					}
				} else {
					t.flushFailures = 0
				}
				t.mu.Unlock()
			case <-t.stopFlush:
				return
			}
		}
	}()
}

// Stop halts the periodic flush goroutine and waits for it to exit.
func (t *Tracker) Stop() {
	if t.stopFlush == nil {
		return
	}
	close(t.stopFlush)
	t.flushWG.Wait()
}
