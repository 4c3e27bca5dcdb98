package main

import (
	"context"
	"fmt"

	"redialcore/internal/adapters"
	"redialcore/internal/logging"
)

// newStandaloneAdapters returns log-only VoiceAdapter/SMSAdapter
// implementations. A real deployment replaces these two with a
// transport that speaks to its actual provider; this pair exists
// only so the binary is runnable standalone for local verification.
func newStandaloneAdapters(log *logging.Logger) (adapters.VoiceAdapter, adapters.SMSAdapter) {
	return &loggingVoiceAdapter{log: log.Component("voice-stub")}, &loggingSMSAdapter{log: log.Component("sms-stub")}
}

type loggingVoiceAdapter struct {
	log *logging.Logger
}

func (a *loggingVoiceAdapter) Dial(ctx context.Context, req adapters.DialRequest) error {
	a.log.With(map[string]any{"call_id": req.CallID, "phone": req.Phone}).Infof("stub dial (no voice provider configured)")
	return nil
}

type loggingSMSAdapter struct {
	log *logging.Logger
	seq int
}

func (a *loggingSMSAdapter) Send(ctx context.Context, req adapters.SMSRequest) (string, error) {
	a.seq++
	a.log.With(map[string]any{"phone": req.Phone, "from": req.FromNumber}).Infof("stub SMS send (no SMS provider configured): %s", req.Body)
	return fmt.Sprintf("stub-msg-%d", a.seq), nil
}
