package attendance

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusHalfDay Status = "halfday"
	StatusExcused Status = "excused"
)

// ParseStatus normalizes a client supplied status. half_day and half-day are
// accepted as spellings of halfday.
func ParseStatus(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "present":
		return StatusPresent, nil
	case "absent":
		return StatusAbsent, nil
	case "late":
		return StatusLate, nil
	case "halfday", "half_day", "half-day":
		return StatusHalfDay, nil
	case "excused":
		return StatusExcused, nil
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}

const (
	PermMark         = "attendance:mark"
	PermView         = "attendance:view"
	PermUnlock       = "attendance:unlock"
	PermManagePolicy = "attendance:manage"
)

const (
	RoleTeacher          = "teacher"
	RoleTenantAdmin      = "tenant_admin"
	RoleSuperAdmin       = "super_admin"
	RolePlatformOperator = "platform_operator"
)

// Caller is the authenticated identity behind a request, as supplied by the
// tenant context. A nil ClassSectionIDs means the token did not scope the
// caller to specific class sections.
type Caller struct {
	UserID          uuid.UUID
	Role            string
	Permissions     []string
	ClassSectionIDs []uuid.UUID
}

func (c Caller) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// SessionKey is the natural key of a session.
type SessionKey struct {
	TenantID       uuid.UUID
	ClassSectionID uuid.UUID
	Date           time.Time
}

type Session struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ClassSectionID uuid.UUID `json:"class_section_id"`
	Date           time.Time `json:"-"`
	MarkedBy       uuid.UUID `json:"marked_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s Session) Key() SessionKey {
	return SessionKey{TenantID: s.TenantID, ClassSectionID: s.ClassSectionID, Date: s.Date}
}

type Entry struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	StudentID uuid.UUID `json:"student_id"`
	Status    Status    `json:"status"`
	Remarks   string    `json:"remarks,omitempty"`
}

// Unlock is an administrative grant that lets one session key be written
// regardless of the locking policy until ExpiresAt.
type Unlock struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ClassSectionID uuid.UUID `json:"class_section_id"`
	Date           time.Time `json:"-"`
	UnlockedBy     uuid.UUID `json:"unlocked_by"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type AuditRecord struct {
	TenantID     uuid.UUID
	ActorID      uuid.UUID
	Action       string
	ResourceType string
	ResourceID   uuid.UUID
	Reason       string
	Details      map[string]any
	CreatedAt    time.Time
}

const (
	AuditMarkAttendance         = "mark_attendance"
	AuditMarkAttendanceOverride = "mark_attendance_override"
	AuditEmergencyUnlock        = "emergency_unlock"
	AuditPolicyUpdate           = "policy_update"
	AuditEmergencyLock          = "emergency_lock"
)

// MonthRow is one session/entry pair of a month scan. Sessions without any
// entry appear once with a zero StudentID.
type MonthRow struct {
	SessionID      uuid.UUID
	ClassSectionID uuid.UUID
	Date           time.Time
	StudentID      uuid.UUID
	Status         Status
}

// DailyStats rolls up every entry recorded for one calendar day.
type DailyStats struct {
	Date           string     `json:"date"`
	ClassSectionID *uuid.UUID `json:"class_section_id,omitempty"`
	ClassSections  int        `json:"class_sections"`
	Sessions       int        `json:"sessions"`
	Present        int        `json:"present"`
	Absent         int        `json:"absent"`
	Late           int        `json:"late"`
	Excused        int        `json:"excused"`
	HalfDay        int        `json:"halfday"`
	TotalEntries   int        `json:"total_entries"`
	Percentage     *float64   `json:"percentage"`
}

type StudentSummary struct {
	StudentID     uuid.UUID `json:"student_id"`
	Present       int       `json:"present"`
	Absent        int       `json:"absent"`
	Late          int       `json:"late"`
	Excused       int       `json:"excused"`
	HalfDay       int       `json:"halfday"`
	TotalSessions int       `json:"total_sessions"`
	Percentage    *float64  `json:"percentage"`
}

// ParseDate parses a YYYY-MM-DD calendar day.
func ParseDate(value string) (time.Time, error) {
	return time.Parse(dateLayout, strings.TrimSpace(value))
}

// FormatDate renders a calendar day as YYYY-MM-DD.
func FormatDate(date time.Time) string {
	return date.Format(dateLayout)
}

// CivilDate drops the time of day, keeping the calendar day as seen in t's
// location, and returns it at UTC midnight.
func CivilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type YearMonth struct {
	Year  int
	Month time.Month
}

func ParseYearMonth(value string) (YearMonth, error) {
	parsed, err := time.Parse("2006-01", strings.TrimSpace(value))
	if err != nil {
		return YearMonth{}, err
	}
	return YearMonth{Year: parsed.Year(), Month: parsed.Month()}, nil
}

func YearMonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// Start is the first day of the month.
func (ym YearMonth) Start() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first day of the following month (exclusive bound).
func (ym YearMonth) End() time.Time {
	return ym.Start().AddDate(0, 1, 0)
}

func (ym YearMonth) Before(other YearMonth) bool {
	return ym.index() < other.index()
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

func (ym YearMonth) index() int {
	return ym.Year*12 + int(ym.Month) - 1
}
