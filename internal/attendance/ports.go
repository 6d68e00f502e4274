package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the attendance persistence boundary. Implementations must scope
// every read by tenant and make WithTx all-or-nothing.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error)
	FindSession(ctx context.Context, key SessionKey) (Session, error)
	ListEntries(ctx context.Context, sessionID uuid.UUID) ([]Entry, error)
	ActiveUnlock(ctx context.Context, key SessionKey, now time.Time) (Unlock, bool, error)
	ListEntriesForMonth(ctx context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) ([]MonthRow, error)
	// ListEntriesForDate scans one day; a nil class section id spans the tenant.
	ListEntriesForDate(ctx context.Context, tenantID uuid.UUID, date time.Time, classSectionID uuid.UUID) ([]MonthRow, error)
}

// Tx is the set of writes that run inside one transaction.
type Tx interface {
	UpsertSession(ctx context.Context, key SessionKey, markedBy uuid.UUID) (session Session, created bool, err error)
	ListEntries(ctx context.Context, sessionID uuid.UUID) ([]Entry, error)
	ReplaceEntries(ctx context.Context, sessionID uuid.UUID, entries []Entry) error
	CreateUnlock(ctx context.Context, unlock Unlock) (Unlock, error)
	SavePolicy(ctx context.Context, tenantID uuid.UUID, policy Policy) error
	InsertAudit(ctx context.Context, record AuditRecord) error
}

// Roster answers enrollment questions owned by the student information system.
type Roster interface {
	ActiveStudents(ctx context.Context, tenantID, classSectionID uuid.UUID) ([]uuid.UUID, error)
	ClassSectionExists(ctx context.Context, tenantID, classSectionID uuid.UUID) (bool, error)
}

// PolicySource loads tenant policies. Invalidate drops any cached copy.
type PolicySource interface {
	Policy(ctx context.Context, tenantID uuid.UUID) (Policy, error)
	Invalidate(ctx context.Context, tenantID uuid.UUID) error
}

type SummaryKey struct {
	TenantID       uuid.UUID
	ClassSectionID uuid.UUID
	Month          YearMonth
	CountUnmarked  bool
	// Generation is the scope's invalidation counter read before the scan.
	Generation     int64
}

// SummaryCache keys entries by scope generation. Invalidate bumps the
// generation, so a summary computed before a write lands under a key no
// reader asks for again.
type SummaryCache interface {
	Generation(ctx context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) (int64, error)
	Get(ctx context.Context, key SummaryKey) ([]StudentSummary, bool, error)
	Set(ctx context.Context, key SummaryKey, rows []StudentSummary) error
	Invalidate(ctx context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) error
}

// Authorizer is the capability check delegated to the RBAC collaborator.
type Authorizer interface {
	CanMark(ctx context.Context, tenantID uuid.UUID, caller Caller, classSectionID uuid.UUID) (bool, error)
	CanView(ctx context.Context, tenantID uuid.UUID, caller Caller, classSectionID uuid.UUID) (bool, error)
	CanUnlock(ctx context.Context, tenantID uuid.UUID, caller Caller) (bool, error)
	CanManagePolicy(ctx context.Context, tenantID uuid.UUID, caller Caller) (bool, error)
}
