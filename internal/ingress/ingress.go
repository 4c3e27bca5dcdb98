// Package ingress implements Completion Ingress: the single entry
// point for voice-provider call completions and inbound SMS
// messages. It parses and validates the provider payload with
// go-playground/validator/v10, classifies the outcome, and applies
// the resulting mutation to the Redial Queue, SMS Scheduler,
// Suppression Store, and Call-State Tracker, exactly once per
// unique call id.
package ingress

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"redialcore/internal/adapters"
	"redialcore/internal/apperrors"
	"redialcore/internal/callstate"
	"redialcore/internal/logging"
	"redialcore/internal/phonekey"
	"redialcore/internal/redial"
	"redialcore/internal/smsfollowup"
	"redialcore/internal/store"
	"redialcore/internal/suppression"
)

// crmReportTimeout bounds the best-effort UpstreamCRM.ReportOutcome
// call so a slow or unreachable CRM never stalls the ingress
// response.
const crmReportTimeout = 5 * time.Second

const webhookShardPrefix = "webhook-logs_"

var validate = validator.New()

// CallCompletion is the normalized payload a VoiceAdapter's
// completion webhook delivers. Outcome (the provider's disposition
// tag) may be absent; AnsweredBy then decides how the completion
// classifies.
type CallCompletion struct {
	CallID            string     `validate:"required" json:"call_id"`
	Phone             string     `validate:"required" json:"phone"`
	Outcome           string     `json:"outcome,omitempty"`
	AnsweredBy        string     `json:"answered_by,omitempty"`
	TransferredMerged bool       `json:"transferred_merged"`
	Summary           string     `json:"summary,omitempty"`
	ScheduledCallback *time.Time `json:"scheduled_callback,omitempty"`
}

// InboundSMS is the normalized payload an SMSAdapter's inbound webhook
// delivers.
type InboundSMS struct {
	From string `validate:"required" json:"from"`
	To   string `validate:"required" json:"to"`
	Body string `validate:"required" json:"body"`
}

var optOutKeywords = map[string]struct{}{
	"stop": {}, "stopall": {}, "unsubscribe": {}, "cancel": {}, "quit": {}, "end": {},
}

// isOptOut reports whether body, trimmed and case-folded, is a
// recognized opt-out keyword, the common US carrier STOP-word
// convention.
func isOptOut(body string) bool {
	word := strings.ToLower(strings.TrimSpace(body))
	_, ok := optOutKeywords[word]
	return ok
}

// logEntry is one bounded record in the daily webhook/blocked-attempts
// log.
type logEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"` // "call_completion" | "inbound_sms" | "blocked"
	Phone   string    `json:"phone"`
	CallID  string    `json:"call_id,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

type logDocument struct {
	Entries []logEntry `json:"entries"`
}

const maxLogEntriesPerDay = 5000

// Ingress wires the Completion Ingress entry points to the rest of the
// core.
type Ingress struct {
	queue       *redial.Queue
	sms         *smsfollowup.Scheduler
	calls       *callstate.Tracker
	suppression *suppression.Store
	webhookLogs *store.Store
	crm         adapters.UpstreamCRM
	log         *logging.Logger

	dateKey func(time.Time) string

	// logMu serializes the webhook log's read-modify-write cycle
	// in-process; Store's own per-shard lock only protects a single
	// ReadShard or WriteShard call, not the pair of them together.
	logMu sync.Mutex
}

// New builds an Ingress. dateKey should be the Clock Policy's DateKey
// method, so webhook-log shards roll over on the same calendar
// boundary as every other policy-timezone-keyed artifact. crm may be
// nil; not every deployment reports outcomes upstream.
func New(
	queue *redial.Queue,
	sms *smsfollowup.Scheduler,
	calls *callstate.Tracker,
	sup *suppression.Store,
	webhookLogs *store.Store,
	crm adapters.UpstreamCRM,
	log *logging.Logger,
	dateKey func(time.Time) string,
) *Ingress {
	return &Ingress{
		queue:       queue,
		sms:         sms,
		calls:       calls,
		suppression: sup,
		webhookLogs: webhookLogs,
		crm:         crm,
		log:         log.Component("ingress"),
		dateKey:     dateKey,
	}
}

// reportUpstream best-effort notifies the UpstreamCRM adapter of a
// lead's new status. Errors are logged, never propagated; a slow or
// failing CRM must never hold up Completion Ingress's
// acknowledgement of the transport.
func (i *Ingress) reportUpstream(leadID, status string, now time.Time) {
	if i.crm == nil || leadID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), crmReportTimeout)
	defer cancel()
	if err := i.crm.ReportOutcome(ctx, leadID, status, now); err != nil {
		i.log.WithError(err).Warnf("reporting outcome upstream for lead %s", leadID)
	}
}

func (i *Ingress) appendLog(now time.Time, entry logEntry) {
	if i.webhookLogs == nil {
		return
	}
	entry.At = now
	shardKey := webhookShardPrefix + i.dateKey(now)

	i.logMu.Lock()
	defer i.logMu.Unlock()

	var doc logDocument
	if err := i.webhookLogs.ReadShard(shardKey, &doc); err != nil {
		i.log.WithError(err).Errorf("reading webhook log shard")
		return
	}
	doc.Entries = append(doc.Entries, entry)
	if len(doc.Entries) > maxLogEntriesPerDay {
		doc.Entries = doc.Entries[len(doc.Entries)-maxLogEntriesPerDay:]
	}
	if err := i.webhookLogs.WriteShard(shardKey, doc); err != nil {
		i.log.WithError(err).Errorf("writing webhook log shard")
	}
}

// LogBlockedAttempt appends an auditable record of a contact attempt
// aborted by a pre-contact guard, without mutating any store.
// purpose names the aborted action ("dial" or "sms"); reason names
// the guard that fired.
func (i *Ingress) LogBlockedAttempt(phone, purpose, reason string, now time.Time) {
	i.appendLog(now, logEntry{Kind: "blocked", Phone: phone, Detail: purpose + ":" + reason})
}

// PruneWebhookLogs deletes daily webhook-log shards older than
// window, leaving today's shard untouched. The
// ingress owns the webhook-log store, so its own retention sweep
// lives alongside it rather than the maintenance loop reaching into a
// private field.
func (i *Ingress) PruneWebhookLogs(now time.Time, window time.Duration) ([]string, error) {
	if i.webhookLogs == nil {
		return nil, nil
	}

	keys, err := i.webhookLogs.ListShardKeys()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "listing webhook log shards")
	}

	cutoff := now.Add(-window)
	currentKey := webhookShardPrefix + i.dateKey(now)

	var deleted []string
	for _, k := range keys {
		if k == currentKey || !strings.HasPrefix(k, webhookShardPrefix) {
			continue
		}
		dateStr := strings.TrimPrefix(k, webhookShardPrefix)
		t, parseErr := time.Parse("2006-01-02", dateStr)
		if parseErr != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := i.webhookLogs.DeleteShard(k); err != nil {
				return deleted, apperrors.Wrap(err, apperrors.ErrPersistence, "deleting webhook log shard "+k)
			}
			deleted = append(deleted, k)
		}
	}
	return deleted, nil
}

// HandleCallCompletion validates and applies a voice provider's
// completion callback. Parse/validation failure is reported
// immediately via the error return with no state change; mutation
// runs synchronously so the transport can redeliver on failure.
func (i *Ingress) HandleCallCompletion(payload CallCompletion, now time.Time) error {
	if err := validate.Struct(payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrValidation, "invalid call completion payload")
	}

	phone := phonekey.Normalize(payload.Phone)
	outcome, known := resolveOutcome(payload)
	if !known {
		i.log.With(map[string]any{"phone": phone, "call_id": payload.CallID, "raw_outcome": payload.Outcome}).
			Warnf("unrecognized outcome tag, classifying as confused")
	}

	result, err := i.queue.ApplyCompletion(phone, payload.CallID, outcome, now, payload.ScheduledCallback)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		// First outcome webhook for this phone creates the record.
		// The tracker's PendingCall, located by call_id, supplies
		// the lead fields the payload doesn't carry.
		seed := redial.RedialRecord{Phone: phone}
		if pc, ok := i.calls.Get(payload.CallID); ok {
			seed.LeadID = pc.LeadID
			seed.ListID = pc.ListID
			seed.FirstName = pc.FirstName
			seed.LastName = pc.LastName
		}
		if _, uerr := i.queue.Upsert(seed, now); uerr != nil {
			return apperrors.Wrap(uerr, apperrors.ErrPersistence, "creating redial record from completion")
		}
		result, err = i.queue.ApplyCompletion(phone, payload.CallID, outcome, now, payload.ScheduledCallback)
	}
	if err != nil {
		i.appendLog(now, logEntry{Kind: "call_completion", Phone: phone, CallID: payload.CallID, Outcome: string(outcome), Detail: "persistence_error"})
		return apperrors.Wrap(err, apperrors.ErrPersistence, "applying completion")
	}

	if _, err := i.calls.Remove(payload.CallID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		i.log.WithError(err).Errorf("removing pending call %s", payload.CallID)
	}

	if result.ShouldSuppress {
		if _, _, err := i.suppression.Add(suppression.FieldPhone, phone, "outcome:"+string(outcome), now); err != nil {
			i.log.WithError(err).Errorf("adding %s to suppression", phone)
		}
	}

	if result.ShouldEnqueueSMS {
		if err := i.sms.Enqueue(phone, result.Record.LeadID, result.Record.ListID, result.Record.FirstName, result.Record.LastName, now); err != nil {
			i.log.WithError(err).Errorf("enqueueing SMS follow-up for %s", phone)
		}
	}

	i.reportUpstream(result.Record.LeadID, string(result.Record.Status), now)

	i.appendLog(now, logEntry{
		Kind:    "call_completion",
		Phone:   phone,
		CallID:  payload.CallID,
		Outcome: string(outcome),
		Detail:  boolToDuplicate(result.Duplicate),
	})

	return nil
}

func boolToDuplicate(duplicate bool) string {
	if duplicate {
		return "duplicate"
	}
	return ""
}

// resolveOutcome maps the provider payload to the closed taxonomy.
// Only the provider's merge marker classifies transferred; a
// disposition tag claiming a transfer without the marker, or a
// human-answered completion with no disposition at all, is confused.
func resolveOutcome(payload CallCompletion) (redial.Outcome, bool) {
	if payload.TransferredMerged {
		return redial.OutcomeTransferredMerged, true
	}

	raw := redial.Outcome(strings.ToLower(strings.TrimSpace(payload.Outcome)))
	switch raw {
	case redial.OutcomeTransferredMerged:
		return redial.OutcomeConfused, true
	case "":
		if strings.EqualFold(strings.TrimSpace(payload.AnsweredBy), "human") {
			outcome, _ := redial.ClassifyHumanAnswered()
			return outcome, true
		}
		return redial.OutcomeConfused, false
	}

	if _, known := redial.Classify(raw); known {
		return raw, true
	}
	return redial.OutcomeConfused, false
}

// HandleInboundSMS validates and applies an inbound SMS message. Only
// opt-out messages produce a state mutation; anything else is logged
// and otherwise ignored, since the core has no two-way conversational
// SMS concept.
func (i *Ingress) HandleInboundSMS(payload InboundSMS, now time.Time) error {
	if err := validate.Struct(payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrValidation, "invalid inbound SMS payload")
	}

	phone := phonekey.Normalize(payload.From)

	if !isOptOut(payload.Body) {
		i.appendLog(now, logEntry{Kind: "inbound_sms", Phone: phone, Detail: "non_opt_out"})
		return nil
	}

	if _, err := i.sms.OptOut(phone, now); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "applying SMS opt-out")
	}
	if _, _, err := i.suppression.Add(suppression.FieldPhone, phone, "sms_opt_out", now); err != nil {
		i.log.WithError(err).Errorf("adding %s to suppression after opt-out", phone)
	}
	if rec, found, err := i.queue.Get(phone); err == nil && found && !rec.Status.IsTerminal() {
		if err := i.queue.MarkCompleted(phone, now); err != nil {
			i.log.WithError(err).Errorf("completing redial record for %s after opt-out", phone)
		} else {
			i.reportUpstream(rec.LeadID, "completed", now)
		}
	}

	i.appendLog(now, logEntry{Kind: "inbound_sms", Phone: phone, Detail: "opt_out"})
	return nil
}
