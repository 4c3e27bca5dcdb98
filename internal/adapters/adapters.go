// Package adapters declares the outbound boundaries the core depends
// on but does not implement: the voice dialer, the SMS gateway, and
// the upstream CRM/lead system. Narrow interfaces keep the core
// transport-agnostic; implementations own the wire protocol.
package adapters

import (
	"context"
	"time"
)

// DialRequest is everything a VoiceAdapter needs to place one outbound
// call.
type DialRequest struct {
	CallID    string
	LeadID    string
	ListID    string
	Phone     string
	FirstName string
	LastName  string
	Timeout   time.Duration
}

// VoiceAdapter places outbound calls. Implementations own the
// transport (AMI, a SIP trunk, a telephony API) and report only
// whether origination succeeded; outcome arrives later via
// Completion Ingress, never as Dial's return value.
type VoiceAdapter interface {
	Dial(ctx context.Context, req DialRequest) error
}

// SMSRequest is everything an SMSAdapter needs to send one message.
type SMSRequest struct {
	Phone      string
	FromNumber string
	Body       string
}

// SMSAdapter sends a single SMS and reports the provider's message id
// for the send log.
type SMSAdapter interface {
	Send(ctx context.Context, req SMSRequest) (providerMsgID string, err error)
}

// LeadSnapshot is the subset of an upstream CRM lead record the core
// needs when first registering a phone for redial tracking.
type LeadSnapshot struct {
	LeadID    string
	ListID    string
	Phone     string
	FirstName string
	LastName  string
}

// UpstreamCRM reports outcomes back to the lead system of record. Not
// every deployment wires one; a nil UpstreamCRM is valid and
// Completion Ingress, the only caller, simply skips the report.
type UpstreamCRM interface {
	ReportOutcome(ctx context.Context, leadID, outcome string, at time.Time) error
}
