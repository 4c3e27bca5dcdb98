package redial

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"redialcore/internal/apperrors"
	"redialcore/internal/clockpolicy"
	"redialcore/internal/logging"
	"redialcore/internal/phonekey"
	"redialcore/internal/store"
)

// Config carries every redial-queue tunable.
type Config struct {
	MaxAttempts          int
	MaxDailyAttempts     int
	ProgressiveIntervals []int
	MinRetryGapMinutes   int
	ResetTiming          string // "midnight" | "business_hours"
	PendingGraceMinutes  int
	TodayOnlyDispatch    bool
	ConsecutiveFailLimit int
	OutcomeHistoryLimit  int
	CallHistoryLimit     int

	// RetentionWindow, when positive, excludes records whose lifetime
	// exceeds it from the daily reset; the retention sweep owns
	// those. Zero disables the exclusion.
	RetentionWindow time.Duration
}

func shardKeyForMonth(monthKey string) string {
	return "redial-queue_" + monthKey
}

// Queue is the in-memory, disk-backed redial record set. Shards are
// keyed by the record's creation month in the policy timezone; the
// current month's shard is loaded eagerly, historical shards lazily
// on first access, and loaded shards stay resident so reconciliation
// writes can still target historical keys.
type Queue struct {
	backing *store.Store
	policy  *clockpolicy.Policy
	cfg     Config
	log     *logging.Logger

	mu         sync.Mutex
	shards     map[string]map[string]*RedialRecord // monthKey -> phone -> record
	phoneShard map[string]string                   // phone -> monthKey
}

// New constructs a Queue rooted at backing (expected to be a
// store.Store scoped to the redial-queue/ subdirectory) and eagerly
// loads the current month's shard.
func New(backing *store.Store, policy *clockpolicy.Policy, cfg Config, log *logging.Logger) (*Queue, error) {
	q := &Queue{
		backing:    backing,
		policy:     policy,
		cfg:        cfg,
		log:        log.Component("redial"),
		shards:     make(map[string]map[string]*RedialRecord),
		phoneShard: make(map[string]string),
	}

	currentMonth := policy.MonthKey(policy.Now())
	if _, err := q.loadShardLocked(currentMonth); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) loadShardLocked(monthKey string) (map[string]*RedialRecord, error) {
	if shard, ok := q.shards[monthKey]; ok {
		return shard, nil
	}

	var doc map[string]RedialRecord
	if err := q.backing.ReadShard(shardKeyForMonth(monthKey), &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, fmt.Sprintf("loading redial shard %s", monthKey))
	}

	shard := make(map[string]*RedialRecord, len(doc))
	for phone, rec := range doc {
		cp := rec
		shard[phone] = &cp
		q.phoneShard[phone] = monthKey
	}
	q.shards[monthKey] = shard
	return shard, nil
}

func (q *Queue) flushShardLocked(monthKey string) error {
	shard := q.shards[monthKey]
	doc := make(map[string]RedialRecord, len(shard))
	for phone, rec := range shard {
		doc[phone] = *rec
	}
	if err := q.backing.WriteShard(shardKeyForMonth(monthKey), doc); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, fmt.Sprintf("writing redial shard %s", monthKey))
	}
	return nil
}

// findLocked locates a record by phone, lazily scanning on-disk
// shards not yet loaded in memory if the in-memory index misses.
func (q *Queue) findLocked(phone string) (*RedialRecord, string, error) {
	key := phonekey.Normalize(phone)

	if monthKey, ok := q.phoneShard[key]; ok {
		shard, err := q.loadShardLocked(monthKey)
		if err != nil {
			return nil, "", err
		}
		if rec, ok := shard[key]; ok {
			return rec, monthKey, nil
		}
	}

	keys, err := q.backing.ListShardKeys()
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.ErrPersistence, "listing redial shards")
	}
	for _, sk := range keys {
		monthKey := monthKeyFromShardKey(sk)
		if monthKey == "" {
			continue
		}
		shard, err := q.loadShardLocked(monthKey)
		if err != nil {
			return nil, "", err
		}
		if rec, ok := shard[key]; ok {
			return rec, monthKey, nil
		}
	}
	return nil, "", nil
}

func monthKeyFromShardKey(shardKey string) string {
	const prefix = "redial-queue_"
	if len(shardKey) <= len(prefix) || shardKey[:len(prefix)] != prefix {
		return ""
	}
	return shardKey[len(prefix):]
}

// Get returns a copy of the record for phone, if one exists.
func (q *Queue) Get(phone string) (RedialRecord, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, _, err := q.findLocked(phone)
	if err != nil {
		return RedialRecord{}, false, err
	}
	if rec == nil {
		return RedialRecord{}, false, nil
	}
	return *rec, true, nil
}

// Upsert creates a RedialRecord for phone if none exists, or returns
// the existing one unchanged. Used on first outcome webhook or admin
// insert.
func (q *Queue) Upsert(rec RedialRecord, now time.Time) (RedialRecord, error) {
	key := phonekey.Normalize(rec.Phone)
	rec.Phone = key

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, monthKey, err := q.findLocked(key)
	if err != nil {
		return RedialRecord{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.NextRedialTimestamp.IsZero() {
		rec.NextRedialTimestamp = now
	}

	monthKey = q.policy.MonthKey(rec.CreatedAt)
	shard, err := q.loadShardLocked(monthKey)
	if err != nil {
		return RedialRecord{}, err
	}

	cp := rec
	shard[key] = &cp
	q.phoneShard[key] = monthKey

	if err := q.flushShardLocked(monthKey); err != nil {
		return RedialRecord{}, err
	}
	return cp, nil
}

// Backfill registers (or refreshes) a record so it becomes eligible
// for dispatch today: an existing non-terminal record gets
// updated_at and next_redial_timestamp pulled to now, which re-admits
// it past the "today only" dispatch filter; a missing record is
// created fresh. Terminal records are returned unchanged; backfill
// never resurrects a completed or capped-out phone.
func (q *Queue) Backfill(rec RedialRecord, now time.Time) (RedialRecord, error) {
	existing, found, err := q.Get(rec.Phone)
	if err != nil {
		return RedialRecord{}, err
	}
	if !found {
		return q.Upsert(rec, now)
	}
	if existing.Status.IsTerminal() {
		return existing, nil
	}

	var out RedialRecord
	err = q.mutate(existing.Phone, func(r *RedialRecord) error {
		before := r.Status
		if r.Status == StatusDailyMaxReached || r.Status == StatusPaused {
			r.Status = StatusPending
		}
		r.UpdatedAt = now
		r.NextRedialTimestamp = now
		out = *r
		q.log.Transition(r.Phone, r.LeadID, r.LastCallID, r.Attempts, string(before), string(r.Status), "backfill")
		return nil
	})
	return out, err
}

// isEligibleLocked evaluates the status, cap, timing, clock, and
// today-only rules. The pre-dial guards (suppression, in-flight
// call) are the Dispatch Loop's responsibility since they need the
// Suppression Store and Call-State Tracker.
func (q *Queue) isEligibleLocked(rec *RedialRecord, now time.Time) bool {
	switch rec.Status {
	case StatusPending:
	case StatusRescheduled:
		if rec.ScheduledCallbackTime != nil && rec.ScheduledCallbackTime.After(now) {
			return false
		}
	default:
		return false
	}

	if rec.Attempts >= q.cfg.MaxAttempts || rec.AttemptsToday >= q.cfg.MaxDailyAttempts {
		return false
	}
	if rec.NextRedialTimestamp.After(now) {
		return false
	}
	if !q.policy.CanDispatch(now) {
		return false
	}
	if q.cfg.TodayOnlyDispatch {
		if q.policy.DateKey(rec.UpdatedAt) != q.policy.DateKey(now) {
			return false
		}
	}
	return true
}

// EligibleRecords returns every dispatchable record, sorted ascending
// by next_redial_timestamp and then by ascending attempts:
// earliest-ready, least-tried first.
func (q *Queue) EligibleRecords(now time.Time) ([]RedialRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	currentMonth := q.policy.MonthKey(now)
	if _, err := q.loadShardLocked(currentMonth); err != nil {
		return nil, err
	}

	var out []RedialRecord
	for _, shard := range q.shards {
		for _, rec := range shard {
			if q.isEligibleLocked(rec, now) {
				out = append(out, *rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRedialTimestamp.Equal(out[j].NextRedialTimestamp) {
			return out[i].NextRedialTimestamp.Before(out[j].NextRedialTimestamp)
		}
		return out[i].Attempts < out[j].Attempts
	})
	return out, nil
}

// DeferForPendingCall pushes next_redial_timestamp forward by the
// configured grace interval without incrementing attempts, for a
// record whose dispatch was skipped because a call is still in
// flight to the phone.
func (q *Queue) DeferForPendingCall(phone string, now time.Time) error {
	return q.mutate(phone, func(rec *RedialRecord) error {
		rec.NextRedialTimestamp = now.Add(time.Duration(q.cfg.PendingGraceMinutes) * time.Minute)
		rec.UpdatedAt = now
		return nil
	})
}

// RecordDialFailure increments a record's consecutive adapter-failure
// counter and reschedules using the progressive-interval table
// without incrementing attempts. Once the counter reaches
// ConsecutiveFailLimit the record is demoted to paused for operator
// attention.
func (q *Queue) RecordDialFailure(phone string, now time.Time) (demotedToPaused bool, err error) {
	err = q.mutate(phone, func(rec *RedialRecord) error {
		rec.ConsecutiveAdapterFailures++
		rec.UpdatedAt = now
		if rec.ConsecutiveAdapterFailures >= q.cfg.ConsecutiveFailLimit {
			rec.Status = StatusPaused
			demotedToPaused = true
			return nil
		}
		delay := NextDelay(q.cfg.ProgressiveIntervals, rec.Attempts+1, q.cfg.MinRetryGapMinutes)
		rec.NextRedialTimestamp = now.Add(delay)
		return nil
	})
	return demotedToPaused, err
}

// RecordDialSuccess resets a record's consecutive adapter-failure
// counter once a dial is actually placed.
func (q *Queue) RecordDialSuccess(phone string, now time.Time) error {
	return q.mutate(phone, func(rec *RedialRecord) error {
		rec.ConsecutiveAdapterFailures = 0
		rec.LastCallTimestamp = now
		rec.UpdatedAt = now
		return nil
	})
}

// CompletionResult reports what ApplyCompletion decided, so the
// Completion Ingress caller can drive the cross-component side
// effects (suppression write, SMS enqueue).
type CompletionResult struct {
	Record           RedialRecord
	Duplicate        bool
	Class            Class
	KnownOutcome     bool
	ShouldSuppress   bool // Class == ClassTerminalStop
	ShouldEnqueueSMS bool // Outcome in {voicemail, no_answer}
}

// ApplyCompletion reconciles a completion event for phone against its
// RedialRecord: duplicate call ids leave counters untouched, anything
// else increments attempts exactly once and advances the state
// machine. Returns ErrNotFound if no record exists for phone.
func (q *Queue) ApplyCompletion(phone, callID string, outcome Outcome, now time.Time, scheduledCallback *time.Time) (CompletionResult, error) {
	key := phonekey.Normalize(phone)
	class, known := Classify(outcome)

	var result CompletionResult
	var statusBefore Status

	err := q.mutate(key, func(rec *RedialRecord) error {
		statusBefore = rec.Status

		if rec.LastCallID != "" && rec.LastCallID == callID {
			result.Duplicate = true
			result.Class = class
			result.KnownOutcome = known
			if class == ClassTerminalSuccess || class == ClassTerminalStop {
				rec.Status = StatusCompleted
				rec.LastOutcome = outcome
				rec.UpdatedAt = now
			}
			result.Record = *rec
			return nil
		}

		rec.Attempts++
		rec.AttemptsToday++
		rec.LastCallID = callID
		rec.LastOutcome = outcome
		rec.LastCallTimestamp = now
		rec.UpdatedAt = now
		rec.Outcomes = appendBounded(rec.Outcomes, OutcomeEntry{Outcome: outcome, At: now, CallID: callID}, q.cfg.OutcomeHistoryLimit)
		rec.CallHistory = appendBounded(rec.CallHistory, CallHistoryEntry{CallID: callID, At: now, Outcome: outcome}, q.cfg.CallHistoryLimit)

		switch class {
		case ClassTerminalSuccess, ClassTerminalStop:
			rec.Status = StatusCompleted

		case ClassRetryableContact, ClassRetryableFailure:
			if outcome == OutcomeCallbackRequested {
				rec.Status = StatusRescheduled
				rec.ScheduledCallbackTime = scheduledCallback
				if scheduledCallback != nil && scheduledCallback.After(now) {
					rec.NextRedialTimestamp = *scheduledCallback
				} else {
					rec.NextRedialTimestamp = now.Add(NextDelay(q.cfg.ProgressiveIntervals, rec.Attempts, q.cfg.MinRetryGapMinutes))
				}
			} else {
				rec.Status = StatusPending
				rec.NextRedialTimestamp = now.Add(NextDelay(q.cfg.ProgressiveIntervals, rec.Attempts, q.cfg.MinRetryGapMinutes))
			}

			// Caps are evaluated after scheduling; the lifetime cap
			// takes priority over the daily cap when both fire at
			// once.
			if rec.Attempts >= q.cfg.MaxAttempts {
				rec.Status = StatusMaxAttempts
			} else if rec.AttemptsToday >= q.cfg.MaxDailyAttempts {
				rec.Status = StatusDailyMaxReached
			}
		}

		result.Class = class
		result.KnownOutcome = known
		result.ShouldSuppress = class == ClassTerminalStop
		result.ShouldEnqueueSMS = outcome == OutcomeVoicemail || outcome == OutcomeNoAnswer
		result.Record = *rec
		return nil
	})
	if err == nil {
		reason := string(outcome)
		if result.Duplicate {
			reason = "duplicate_completion:" + reason
		}
		q.log.Transition(result.Record.Phone, result.Record.LeadID, callID, result.Record.Attempts,
			string(statusBefore), string(result.Record.Status), reason)
	}
	return result, err
}

// mutate locates the record for phone, runs fn against it, and
// persists the owning shard. Returns apperrors.ErrNotFound if no
// record exists.
func (q *Queue) mutate(phone string, fn func(rec *RedialRecord) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, monthKey, err := q.findLocked(phone)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperrors.New(apperrors.ErrNotFound, "no redial record for "+phonekey.Normalize(phone))
	}
	if err := fn(rec); err != nil {
		return err
	}
	return q.flushShardLocked(monthKey)
}

// DailyReset reopens the day: attempts_today resets to zero and
// updated_at moves to now for every loaded record, which keeps it past
// the "today only" dispatch filter; daily_max_reached records with
// lifetime remaining
// return to pending with next_redial_timestamp = now. Retention-age
// records are left untouched for the retention sweep.
func (q *Queue) DailyReset(now time.Time) (reopened int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	touchedShards := make(map[string]bool)
	for monthKey, shard := range q.shards {
		for _, rec := range shard {
			if q.cfg.RetentionWindow > 0 && rec.CreatedAt.Before(now.Add(-q.cfg.RetentionWindow)) {
				continue
			}
			rec.AttemptsToday = 0
			rec.UpdatedAt = now
			if rec.Status == StatusDailyMaxReached && rec.Attempts < q.cfg.MaxAttempts {
				before := rec.Status
				rec.Status = StatusPending
				rec.NextRedialTimestamp = now
				rec.UpdatedAt = now
				reopened++
				q.log.Transition(rec.Phone, rec.LeadID, rec.LastCallID, rec.Attempts, string(before), string(rec.Status), "daily_reset")
			}
			touchedShards[monthKey] = true
		}
	}
	for monthKey := range touchedShards {
		if err := q.flushShardLocked(monthKey); err != nil {
			return reopened, err
		}
	}
	return reopened, nil
}

// Pause admin-transitions a record to paused; paused records never
// transition on dispatcher events.
func (q *Queue) Pause(phone string, now time.Time) error {
	return q.mutate(phone, func(rec *RedialRecord) error {
		before := rec.Status
		rec.Status = StatusPaused
		rec.UpdatedAt = now
		q.log.Transition(rec.Phone, rec.LeadID, rec.LastCallID, rec.Attempts, string(before), string(rec.Status), "admin_pause")
		return nil
	})
}

// Resume admin-transitions a paused record back to pending, eligible
// for the next tick.
func (q *Queue) Resume(phone string, now time.Time) error {
	return q.mutate(phone, func(rec *RedialRecord) error {
		if rec.Status != StatusPaused {
			return apperrors.New(apperrors.ErrValidation, "record is not paused")
		}
		before := rec.Status
		rec.Status = StatusPending
		rec.NextRedialTimestamp = now
		rec.ConsecutiveAdapterFailures = 0
		rec.UpdatedAt = now
		q.log.Transition(rec.Phone, rec.LeadID, rec.LastCallID, rec.Attempts, string(before), string(rec.Status), "admin_resume")
		return nil
	})
}

// MarkCompleted force-terminates a record, as when an SMS opt-out
// completes a non-terminal redial record.
func (q *Queue) MarkCompleted(phone string, now time.Time) error {
	return q.mutate(phone, func(rec *RedialRecord) error {
		if rec.Status.IsTerminal() {
			return nil
		}
		before := rec.Status
		rec.Status = StatusCompleted
		rec.UpdatedAt = now
		q.log.Transition(rec.Phone, rec.LeadID, rec.LastCallID, rec.Attempts, string(before), string(rec.Status), "sms_opt_out_or_admin")
		return nil
	})
}

// RetentionSweep deletes month shards older than window, never
// touching the current month's shard.
func (q *Queue) RetentionSweep(now time.Time, window time.Duration) (deleted []string, err error) {
	keys, err := q.backing.ListShardKeys()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "listing redial shards for retention")
	}

	currentMonth := q.policy.MonthKey(now)
	cutoff := now.Add(-window)

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, sk := range keys {
		monthKey := monthKeyFromShardKey(sk)
		if monthKey == "" || monthKey == currentMonth {
			continue
		}
		t, parseErr := time.ParseInLocation("2006-01", monthKey, q.policy.Location())
		if parseErr != nil {
			continue
		}
		// A month shard ages out once its entire month has fallen
		// before the retention cutoff.
		monthEnd := t.AddDate(0, 1, 0)
		if monthEnd.Before(cutoff) {
			if err := q.backing.DeleteShard(sk); err != nil {
				return deleted, apperrors.Wrap(err, apperrors.ErrPersistence, "deleting redial shard "+sk)
			}
			delete(q.shards, monthKey)
			deleted = append(deleted, sk)
		}
	}
	return deleted, nil
}
