// Package clockpolicy supplies "now" in a fixed regional timezone and
// evaluates the business-hours, weekday, and blackout-date predicates
// every dispatch loop consults before contacting a phone number. The
// policy config is small and loaded once, so every check is an
// in-memory predicate.
package clockpolicy

import (
	"fmt"
	"time"
)

// Policy evaluates business-hours, weekday, and blackout predicates
// against a single IANA timezone. Immutable after construction except
// for blackout dates, which may be reloaded by an admin operation.
type Policy struct {
	loc             *time.Location
	businessStart   clockTime
	businessEnd     clockTime
	blackoutDates   map[string]struct{} // "YYYY-MM-DD" in loc
	smsBusinessOnly bool
}

type clockTime struct {
	hour, minute int
}

func parseClockTime(s string) (clockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return clockTime{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return clockTime{}, fmt.Errorf("invalid time %q: out of range", s)
	}
	return clockTime{hour: h, minute: m}, nil
}

// New builds a Policy. timezone must be a valid IANA zone string; no
// UTC-offset arithmetic is done anywhere.
func New(timezone, businessStart, businessEnd string, blackoutDates []string, smsBusinessOnly bool) (*Policy, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	start, err := parseClockTime(businessStart)
	if err != nil {
		return nil, fmt.Errorf("business_start: %w", err)
	}
	end, err := parseClockTime(businessEnd)
	if err != nil {
		return nil, fmt.Errorf("business_end: %w", err)
	}

	blackouts := make(map[string]struct{}, len(blackoutDates))
	for _, d := range blackoutDates {
		blackouts[d] = struct{}{}
	}

	return &Policy{
		loc:             loc,
		businessStart:   start,
		businessEnd:     end,
		blackoutDates:   blackouts,
		smsBusinessOnly: smsBusinessOnly,
	}, nil
}

// Now returns the current instant, expressed in the policy timezone.
func (p *Policy) Now() time.Time {
	return time.Now().In(p.loc)
}

// Location returns the policy's IANA location.
func (p *Policy) Location() *time.Location {
	return p.loc
}

// InBusinessHours reports whether t (any timezone) falls within the
// configured [businessStart, businessEnd) window on a weekday, once
// converted to the policy timezone.
func (p *Policy) InBusinessHours(t time.Time) bool {
	local := t.In(p.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	startMins := p.businessStart.hour*60 + p.businessStart.minute
	endMins := p.businessEnd.hour*60 + p.businessEnd.minute
	return mins >= startMins && mins < endMins
}

// IsBlackoutDate reports whether t's calendar date (in the policy
// timezone) is in the configured blackout list.
func (p *Policy) IsBlackoutDate(t time.Time) bool {
	_, ok := p.blackoutDates[p.DateKey(t)]
	return ok
}

// DateKey returns t's calendar date key ("YYYY-MM-DD") in the policy
// timezone, the key used for daily shard rollover and daily-reset
// boundaries alike.
func (p *Policy) DateKey(t time.Time) string {
	return t.In(p.loc).Format("2006-01-02")
}

// MonthKey returns t's calendar month key ("YYYY-MM") in the policy
// timezone, the key used for redial-queue shard rollover.
func (p *Policy) MonthKey(t time.Time) string {
	return t.In(p.loc).Format("2006-01")
}

// CanDispatch reports whether dispatch is permitted at instant t: in
// business hours and not a blackout date.
func (p *Policy) CanDispatch(t time.Time) bool {
	return p.InBusinessHours(t) && !p.IsBlackoutDate(t)
}

// CanSendSMS reports whether an SMS send is permitted at instant t:
// weekday, not a blackout date, and (if configured) within business
// hours.
func (p *Policy) CanSendSMS(t time.Time) bool {
	local := t.In(p.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	if p.IsBlackoutDate(t) {
		return false
	}
	if p.smsBusinessOnly {
		return p.InBusinessHours(t)
	}
	return true
}

// SetBlackoutDates replaces the blackout list, for admin reload.
func (p *Policy) SetBlackoutDates(dates []string) {
	blackouts := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		blackouts[d] = struct{}{}
	}
	p.blackoutDates = blackouts
}

// NextResetBoundary computes the next daily-reset instant after from,
// per the configured timing mode.
//
//   - "midnight": midnight of the policy timezone.
//   - "business_hours": five minutes before business open, and again
//     at business close, whichever of those two comes next after from.
func (p *Policy) NextResetBoundary(from time.Time, mode string) time.Time {
	local := from.In(p.loc)

	if mode == "business_hours" {
		openToday := time.Date(local.Year(), local.Month(), local.Day(),
			p.businessStart.hour, p.businessStart.minute-5, 0, 0, p.loc)
		closeToday := time.Date(local.Year(), local.Month(), local.Day(),
			p.businessEnd.hour, p.businessEnd.minute, 0, 0, p.loc)

		candidates := []time.Time{openToday, closeToday}
		for _, c := range candidates {
			if c.After(local) {
				return c
			}
		}
		return openToday.AddDate(0, 0, 1)
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
	next := midnight.AddDate(0, 0, 1)
	return next
}
