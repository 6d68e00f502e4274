package attendance

import (
	"testing"
	"time"
)

func TestIsMutableWindowBoundary(t *testing.T) {
	policy := Policy{EditWindowHours: 24, Timezone: "UTC"}
	date := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)

	if d := IsMutable(policy, date, date.Add(23*time.Hour+59*time.Minute)); !d.Mutable {
		t.Fatalf("expected mutable at D+23h59m, got %s", d.Reason)
	}
	d := IsMutable(policy, date, date.Add(24*time.Hour+time.Minute))
	if d.Mutable || d.Reason != LockWindowExpired {
		t.Fatalf("expected window_expired at D+24h01m, got mutable=%v reason=%s", d.Mutable, d.Reason)
	}
	if !d.Deadline.Equal(date.Add(24 * time.Hour)) {
		t.Fatalf("expected deadline %s, got %s", date.Add(24*time.Hour), d.Deadline)
	}
}

func TestIsMutableWindowStartsAtMidnight(t *testing.T) {
	policy := Policy{EditWindowHours: 24}
	date := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	// first marked late in the day, the deadline does not move
	marked := time.Date(2026, 1, 14, 22, 0, 0, 0, time.UTC)
	if d := IsMutable(policy, marked, date.Add(25*time.Hour)); d.Mutable {
		t.Fatalf("expected window to run from midnight")
	}
}

func TestIsMutableMonthLock(t *testing.T) {
	policy := Policy{EditWindowHours: maxEditWindowHours, LockPreviousMonth: true}
	date := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	fourth := time.Date(2026, 2, 4, 23, 0, 0, 0, time.UTC)
	if d := IsMutable(policy, date, fourth); !d.Mutable {
		t.Fatalf("expected mutable on the 4th, got %s", d.Reason)
	}
	fifth := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	if d := IsMutable(policy, date, fifth); d.Mutable || d.Reason != LockMonth {
		t.Fatalf("expected month_locked on the 5th, got mutable=%v reason=%s", d.Mutable, d.Reason)
	}

	policy.LockPreviousMonth = false
	if d := IsMutable(policy, date, fifth); !d.Mutable {
		t.Fatalf("expected mutable without month lock, got %s", d.Reason)
	}
}

func TestIsMutableMonthLockAcrossYear(t *testing.T) {
	policy := Policy{EditWindowHours: maxEditWindowHours, LockPreviousMonth: true}
	date := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC)
	if d := IsMutable(policy, date, now); d.Reason != LockMonth {
		t.Fatalf("expected month_locked across year boundary, got %s", d.Reason)
	}
}

func TestIsMutableEmergencySupersedes(t *testing.T) {
	policy := Policy{EditWindowHours: 24, LockPreviousMonth: true, EmergencyLockAll: true}
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	d := IsMutable(policy, date, date.Add(time.Hour))
	if d.Mutable || d.Reason != LockEmergency {
		t.Fatalf("expected emergency_lock, got mutable=%v reason=%s", d.Mutable, d.Reason)
	}
	reason, ok := IsLocked(d.Err())
	if !ok || reason != LockEmergency {
		t.Fatalf("expected locked error with emergency reason")
	}
}

func TestIsMutableTenantTimezone(t *testing.T) {
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	utc := Policy{EditWindowHours: 24, Timezone: "UTC"}
	if d := IsMutable(utc, date, now); !d.Mutable {
		t.Fatalf("expected mutable in UTC, got %s", d.Reason)
	}
	// 20:00Z is 01:30 on the 11th in Kolkata, 25h30m after local midnight
	kolkata := Policy{EditWindowHours: 24, Timezone: "Asia/Kolkata"}
	if d := IsMutable(kolkata, date, now); d.Reason != LockWindowExpired {
		t.Fatalf("expected window_expired in Asia/Kolkata, got mutable=%v reason=%s", d.Mutable, d.Reason)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy should be valid: %v", err)
	}
	cases := map[string]Policy{
		"negative window": {EditWindowHours: -1},
		"huge window":     {EditWindowHours: maxEditWindowHours + 1},
		"bad timezone":    {EditWindowHours: 24, Timezone: "Mars/Olympus"},
	}
	for name, policy := range cases {
		if err := policy.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"present":  StatusPresent,
		"ABSENT":   StatusAbsent,
		" late ":   StatusLate,
		"half_day": StatusHalfDay,
		"half-day": StatusHalfDay,
		"halfday":  StatusHalfDay,
		"excused":  StatusExcused,
	}
	for input, expected := range cases {
		got, err := ParseStatus(input)
		if err != nil {
			t.Fatalf("status %q should be valid: %v", input, err)
		}
		if got != expected {
			t.Fatalf("status %q expected %s got %s", input, expected, got)
		}
	}
	if _, err := ParseStatus("signed"); err == nil {
		t.Fatalf("expected unknown status to error")
	}
}

func TestYearMonth(t *testing.T) {
	ym, err := ParseYearMonth("2026-02")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ym.String() != "2026-02" {
		t.Fatalf("unexpected string %s", ym)
	}
	if !ym.End().Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %s", ym.End())
	}
	if !(YearMonth{Year: 2025, Month: 12}).Before(ym) {
		t.Fatalf("expected 2025-12 before 2026-02")
	}
	if _, err := ParseYearMonth("2026-13"); err == nil {
		t.Fatalf("expected invalid month to error")
	}
}
