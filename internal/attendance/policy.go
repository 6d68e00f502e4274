package attendance

import (
	"fmt"
	"time"
)

// MonthLockDay is the day of the month from which the previous calendar
// month is sealed when LockPreviousMonth is set.
const MonthLockDay = 5

const maxEditWindowHours = 24 * 62

// Policy is a tenant's attendance configuration.
type Policy struct {
	EditWindowHours       int    `json:"edit_window_hours"`
	LockPreviousMonth     bool   `json:"lock_previous_month"`
	RequireReasonForEdit  bool   `json:"require_reason_for_edit"`
	EmergencyLockAll      bool   `json:"emergency_lock_all"`
	CountUnmarkedAsAbsent bool   `json:"count_unmarked_as_absent"`
	Timezone              string `json:"timezone"`
}

func DefaultPolicy() Policy {
	return Policy{
		EditWindowHours:   24,
		LockPreviousMonth: true,
		Timezone:          "UTC",
	}
}

// Location resolves the tenant timezone, falling back to UTC.
func (p Policy) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (p Policy) Validate() error {
	var fields []FieldError
	if p.EditWindowHours < 0 || p.EditWindowHours > maxEditWindowHours {
		fields = append(fields, FieldError{
			Field:   "edit_window_hours",
			Message: fmt.Sprintf("must be between 0 and %d", maxEditWindowHours),
		})
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			fields = append(fields, FieldError{Field: "timezone", Message: "unknown timezone"})
		}
	}
	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}

// Decision is the outcome of IsMutable. Deadline is the end of the edit
// window for the session date.
type Decision struct {
	Mutable  bool       `json:"mutable"`
	Reason   LockReason `json:"reason,omitempty"`
	Deadline time.Time  `json:"deadline"`
}

func (d Decision) Err() error {
	if d.Mutable {
		return nil
	}
	return &LockedPeriodError{Reason: d.Reason}
}

// IsMutable decides whether a session dated sessionDate may be written at
// now. The edit window runs from tenant-local midnight of the session date.
func IsMutable(policy Policy, sessionDate, now time.Time) Decision {
	loc := policy.Location()
	start := time.Date(sessionDate.Year(), sessionDate.Month(), sessionDate.Day(), 0, 0, 0, 0, loc)
	window := time.Duration(policy.EditWindowHours) * time.Hour
	decision := Decision{Deadline: start.Add(window)}

	if policy.EmergencyLockAll {
		decision.Reason = LockEmergency
		return decision
	}

	local := now.In(loc)
	if policy.LockPreviousMonth && YearMonthOf(start).Before(YearMonthOf(local)) && local.Day() >= MonthLockDay {
		decision.Reason = LockMonth
		return decision
	}

	if now.Sub(start) > window {
		decision.Reason = LockWindowExpired
		return decision
	}

	decision.Mutable = true
	return decision
}

// Today returns the tenant-local calendar day of now.
func (p Policy) Today(now time.Time) time.Time {
	return CivilDate(now.In(p.Location()))
}
