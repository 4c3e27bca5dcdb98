// Package smsfollowup implements the SMS Follow-up Scheduler, a
// day-gap sequencer feeding voicemail/no-answer leads a bounded
// series of templated messages, with opt-out handling wired through
// Completion Ingress.
package smsfollowup

import (
	"strings"
	"sync"
	"text/template"
	"time"

	"redialcore/internal/apperrors"
	"redialcore/internal/phonekey"
	"redialcore/internal/store"
)

const shardKey = "sms-pending-leads"

// Status is an SMSRecord's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusOptedOut  Status = "opted_out"
	StatusCancelled Status = "cancelled"
)

// SentMessage is one entry in a record's send log.
type SentMessage struct {
	SequencePosition int       `json:"sequence_position"`
	SentAt           time.Time `json:"sent_at"`
	ProviderMsgID    string    `json:"provider_msg_id"`
	Template         string    `json:"template"`
}

// Record is the durable per-phone SMS follow-up record.
type Record struct {
	Phone     string `json:"phone"`
	LeadID    string `json:"lead_id"`
	ListID    string `json:"list_id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`

	SequencePosition int `json:"sequence_position"`

	EnqueuedAt            time.Time `json:"enqueued_at"`
	NextEligibleTimestamp time.Time `json:"next_eligible_timestamp"`
	LastSentTimestamp     time.Time `json:"last_sent_timestamp"`

	Status Status `json:"status"`

	Sent []SentMessage `json:"sent"`
}

// Config carries the SMS scheduler's tunables. The
// business-hours/weekday gate is not here: the clock policy owns it
// and the dispatch loop passes it in as the canSend predicate.
type Config struct {
	Templates []string
	DayGaps   []int // day offsets from enqueue; D[0]=0 means immediate
}

func (c Config) n() int { return len(c.Templates) }

type document struct {
	Records map[string]Record `json:"records"`
}

// Scheduler is the in-memory, disk-backed SMS follow-up set. A single
// mutex protects the map.
type Scheduler struct {
	backing *store.Store
	cfg     Config

	mu      sync.Mutex
	records map[string]*Record
}

// New loads (or initializes) the scheduler from backing.
func New(backing *store.Store, cfg Config) (*Scheduler, error) {
	var doc document
	if err := backing.ReadShard(shardKey, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "loading SMS shard")
	}

	records := make(map[string]*Record, len(doc.Records))
	for phone, r := range doc.Records {
		cp := r
		records[phone] = &cp
	}

	return &Scheduler{backing: backing, cfg: cfg, records: records}, nil
}

func (s *Scheduler) flushLocked() error {
	doc := document{Records: make(map[string]Record, len(s.records))}
	for phone, r := range s.records {
		doc.Records[phone] = *r
	}
	if err := s.backing.WriteShard(shardKey, doc); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "writing SMS shard")
	}
	return nil
}

// delayForPosition returns D[position] as a duration from the enqueue
// instant, clamping past-the-end positions to the final gap.
func (c Config) delayForPosition(position int) time.Duration {
	idx := position
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.DayGaps) {
		if len(c.DayGaps) == 0 {
			return 0
		}
		idx = len(c.DayGaps) - 1
	}
	return time.Duration(c.DayGaps[idx]) * 24 * time.Hour
}

// Enqueue creates (or resets) an SMS record for phone with
// sequence_position=0 and an immediately-eligible first message.
// Re-enqueuing an active record restarts its sequence from position
// 0, matching a fresh voicemail/no_answer outcome.
func (s *Scheduler) Enqueue(phone, leadID, listID, firstName, lastName string, now time.Time) error {
	key := phonekey.Normalize(phone)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &Record{
		Phone:                 key,
		LeadID:                leadID,
		ListID:                listID,
		FirstName:             firstName,
		LastName:              lastName,
		SequencePosition:      0,
		EnqueuedAt:            now,
		NextEligibleTimestamp: now,
		Status:                StatusActive,
	}
	return s.flushLocked()
}

func (s *Scheduler) isEligibleLocked(r *Record, now time.Time, canSend func(time.Time) bool) bool {
	if r.Status != StatusActive {
		return false
	}
	if r.SequencePosition >= s.cfg.n() {
		return false
	}
	if now.Before(r.NextEligibleTimestamp) {
		return false
	}
	if !canSend(now) {
		return false
	}
	return true
}

// EligibleRecords returns every active, due, clock-permitted record.
// The suppression check is the caller's responsibility since this
// package has no suppression dependency. canSend should be the clock
// policy's CanSendSMS predicate.
func (s *Scheduler) EligibleRecords(now time.Time, canSend func(time.Time) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, r := range s.records {
		if s.isEligibleLocked(r, now, canSend) {
			out = append(out, *r)
		}
	}
	return out
}

// MarkSent records a successful send: appends to the log, advances
// sequence_position, and recomputes next_eligible_timestamp relative
// to the original enqueue instant, not the prior send. Completes the
// record once every template has been sent.
func (s *Scheduler) MarkSent(phone, providerMsgID string, now time.Time) error {
	key := phonekey.Normalize(phone)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "no SMS record for "+key)
	}

	template := ""
	if r.SequencePosition < len(s.cfg.Templates) {
		template = s.cfg.Templates[r.SequencePosition]
	}
	r.Sent = append(r.Sent, SentMessage{
		SequencePosition: r.SequencePosition,
		SentAt:           now,
		ProviderMsgID:    providerMsgID,
		Template:         template,
	})
	r.LastSentTimestamp = now
	r.SequencePosition++

	if r.SequencePosition >= s.cfg.n() {
		r.Status = StatusCompleted
	} else {
		r.NextEligibleTimestamp = r.EnqueuedAt.Add(s.cfg.delayForPosition(r.SequencePosition))
	}

	return s.flushLocked()
}

// OptOut marks phone's SMS record (if any) opted out, persisting
// immediately. Returns false if no record exists; the caller still
// suppresses the phone and completes any redial record regardless.
func (s *Scheduler) OptOut(phone string, now time.Time) (bool, error) {
	key := phonekey.Normalize(phone)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return false, nil
	}
	r.Status = StatusOptedOut
	if err := s.flushLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel administratively cancels an active SMS sequence.
func (s *Scheduler) Cancel(phone string) error {
	key := phonekey.Normalize(phone)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "no SMS record for "+key)
	}
	r.Status = StatusCancelled
	return s.flushLocked()
}

// TemplateFor returns the message template for rec's current sequence
// position rendered as a text/template against rec (so {{.FirstName}}
// expands), so the Dispatch Loop can pass it to
// adapters.SMSAdapter.Send without reaching into the scheduler's
// config directly. A template that fails to parse or execute is
// returned unrendered.
func (s *Scheduler) TemplateFor(rec Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.SequencePosition < 0 || rec.SequencePosition >= len(s.cfg.Templates) {
		return ""
	}
	raw := s.cfg.Templates[rec.SequencePosition]
	tmpl, err := template.New("sms").Parse(raw)
	if err != nil {
		return raw
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, rec); err != nil {
		return raw
	}
	return b.String()
}

// Get returns a copy of the record for phone, if one exists.
func (s *Scheduler) Get(phone string) (Record, bool) {
	key := phonekey.Normalize(phone)

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// List returns every SMS record, for admin inspection.
func (s *Scheduler) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}
