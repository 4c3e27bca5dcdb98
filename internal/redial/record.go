// Package redial implements the Redial Queue, the per-phone retry
// state machine at the heart of the core. Each phone key owns one
// durable RedialRecord carrying the outcome taxonomy,
// progressive-interval scheduling state, and the dual daily/lifetime
// attempt caps.
package redial

import "time"

// Status is a RedialRecord's position in the state machine.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRescheduled     Status = "rescheduled"
	StatusDailyMaxReached Status = "daily_max_reached"
	StatusCompleted       Status = "completed"
	StatusMaxAttempts     Status = "max_attempts"
	StatusPaused          Status = "paused"
)

// IsTerminal reports whether status is a terminal (non-dispatchable,
// non-resettable by the daily reset) state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusMaxAttempts
}

// OutcomeEntry is one entry in a record's bounded outcome history.
type OutcomeEntry struct {
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
	CallID  string    `json:"call_id"`
}

// CallHistoryEntry is one entry in a record's bounded call history.
type CallHistoryEntry struct {
	CallID  string    `json:"call_id"`
	At      time.Time `json:"at"`
	Outcome Outcome   `json:"outcome"`
}

// RedialRecord is the durable per-phone retry record.
type RedialRecord struct {
	Phone     string `json:"phone"`
	LeadID    string `json:"lead_id"`
	ListID    string `json:"list_id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	State     string `json:"state,omitempty"`

	Status Status `json:"status"`

	Attempts      int `json:"attempts"`
	AttemptsToday int `json:"attempts_today"`

	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastCallTimestamp   time.Time `json:"last_call_timestamp"`
	NextRedialTimestamp time.Time `json:"next_redial_timestamp"`

	LastCallID  string  `json:"last_call_id"`
	LastOutcome Outcome `json:"last_outcome,omitempty"`

	Outcomes    []OutcomeEntry     `json:"outcomes"`
	CallHistory []CallHistoryEntry `json:"call_history"`

	ScheduledCallbackTime *time.Time `json:"scheduled_callback_time,omitempty"`

	// ConsecutiveAdapterFailures counts back-to-back VoiceAdapter.Dial
	// failures for this phone; reset on any successful dial. Distinct
	// from Attempts, which only advances on a real completion event.
	ConsecutiveAdapterFailures int `json:"consecutive_adapter_failures"`
}

func appendBounded[T any](history []T, entry T, limit int) []T {
	history = append(history, entry)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
