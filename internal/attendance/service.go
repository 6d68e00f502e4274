package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxRemarksLength  = 500
	maxReasonLength   = 500
	defaultUnlockTTL  = 24 * time.Hour
	resourceSession   = "attendance_session"
	resourceUnlock    = "attendance_unlock"
	resourcePolicy    = "attendance_policy"
	notEnrolledReason = "student is not enrolled in the class section"
)

// Service is the only entry point that mutates attendance.
type Service struct {
	store      Store
	roster     Roster
	policies   PolicySource
	authz      Authorizer
	aggregator *Aggregator
	summaries  SummaryCache
	now        func() time.Time
	unlockTTL  time.Duration
}

func NewService(store Store, roster Roster, policies PolicySource, authz Authorizer) *Service {
	return &Service{
		store:      store,
		roster:     roster,
		policies:   policies,
		authz:      authz,
		aggregator: NewAggregator(store, roster, policies),
		now:        func() time.Time { return time.Now().UTC() },
		unlockTTL:  defaultUnlockTTL,
	}
}

// WithSummaryCache enables monthly summary caching; writes invalidate the
// affected month.
func (s *Service) WithSummaryCache(cache SummaryCache) *Service {
	s.summaries = cache
	s.aggregator.cache = cache
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithUnlockTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.unlockTTL = ttl
	}
	return s
}

func (s *Service) Aggregator() *Aggregator {
	return s.aggregator
}

type EntryInput struct {
	StudentID uuid.UUID
	Status    string
	Remarks   string
}

type MarkParams struct {
	TenantID       uuid.UUID
	ClassSectionID uuid.UUID
	Date           time.Time
	Caller         Caller
	Entries        []EntryInput
}

// MarkAttendance creates or re-marks the session for (tenant, class section,
// date) and replaces its entries with the submitted set.
func (s *Service) MarkAttendance(ctx context.Context, p MarkParams) (uuid.UUID, error) {
	if p.Caller.UserID == uuid.Nil {
		return uuid.Nil, ErrForbidden
	}
	if p.ClassSectionID == uuid.Nil {
		return uuid.Nil, NewValidationError(FieldError{Field: "class_section_id", Message: "is required"})
	}
	allowed, err := s.authz.CanMark(ctx, p.TenantID, p.Caller, p.ClassSectionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return uuid.Nil, ErrForbidden
	}

	entries, err := normalizeEntries(p.Entries)
	if err != nil {
		return uuid.Nil, err
	}

	policy, err := s.policies.Policy(ctx, p.TenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load policy: %w", err)
	}
	now := s.now()
	date := CivilDate(p.Date)
	if date.After(policy.Today(now)) {
		return uuid.Nil, NewValidationError(FieldError{Field: "date", Message: "cannot be in the future"})
	}

	key := SessionKey{TenantID: p.TenantID, ClassSectionID: p.ClassSectionID, Date: date}
	override := false
	if decision := IsMutable(policy, date, now); !decision.Mutable {
		_, unlocked, err := s.store.ActiveUnlock(ctx, key, now)
		if err != nil {
			return uuid.Nil, fmt.Errorf("load unlock grant: %w", err)
		}
		if !unlocked {
			return uuid.Nil, decision.Err()
		}
		override = true
	}

	active, err := s.roster.ActiveStudents(ctx, p.TenantID, p.ClassSectionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load roster: %w", err)
	}

	var sessionID uuid.UUID
	err = s.store.WithTx(ctx, func(tx Tx) error {
		session, created, err := tx.UpsertSession(ctx, key, p.Caller.UserID)
		if err != nil {
			return err
		}
		var previous []Entry
		if !created {
			previous, err = tx.ListEntries(ctx, session.ID)
			if err != nil {
				return err
			}
		}
		if err := checkEnrollment(entries, active, previous); err != nil {
			return err
		}
		if !created && policy.RequireReasonForEdit {
			if err := requireEditReasons(entries, previous); err != nil {
				return err
			}
		}
		for i := range entries {
			entries[i].SessionID = session.ID
		}
		if err := tx.ReplaceEntries(ctx, session.ID, entries); err != nil {
			return err
		}
		action := AuditMarkAttendance
		if override {
			action = AuditMarkAttendanceOverride
		}
		if err := tx.InsertAudit(ctx, AuditRecord{
			TenantID:     p.TenantID,
			ActorID:      p.Caller.UserID,
			Action:       action,
			ResourceType: resourceSession,
			ResourceID:   session.ID,
			Details: map[string]any{
				"class_section_id": p.ClassSectionID.String(),
				"date":             FormatDate(date),
				"entries":          len(entries),
				"created":          created,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		sessionID = session.ID
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			zerolog.Ctx(ctx).Error().Err(err).
				Str("tenant_id", p.TenantID.String()).
				Str("class_section_id", p.ClassSectionID.String()).
				Str("date", FormatDate(date)).
				Msg("uniqueness violation escaped session upsert")
		}
		return uuid.Nil, err
	}

	s.invalidateSummary(ctx, p.TenantID, p.ClassSectionID, YearMonthOf(date))
	return sessionID, nil
}

type UnlockParams struct {
	TenantID       uuid.UUID
	ClassSectionID uuid.UUID
	Date           time.Time
	Caller         Caller
	Reason         string
}

// EmergencyUnlock records a time-bounded grant that lets one session key be
// written regardless of the locking policy.
func (s *Service) EmergencyUnlock(ctx context.Context, p UnlockParams) (Unlock, error) {
	if err := s.checkUnlock(ctx, p.TenantID, p.Caller); err != nil {
		return Unlock{}, err
	}
	if p.ClassSectionID == uuid.Nil {
		return Unlock{}, NewValidationError(FieldError{Field: "class_section_id", Message: "is required"})
	}
	return s.grantUnlock(ctx, p)
}

// UnlockSession is EmergencyUnlock addressed by session id.
func (s *Service) UnlockSession(ctx context.Context, tenantID, sessionID uuid.UUID, caller Caller, reason string) (Unlock, error) {
	if err := s.checkUnlock(ctx, tenantID, caller); err != nil {
		return Unlock{}, err
	}
	session, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return Unlock{}, err
	}
	return s.grantUnlock(ctx, UnlockParams{
		TenantID:       tenantID,
		ClassSectionID: session.ClassSectionID,
		Date:           session.Date,
		Caller:         caller,
		Reason:         reason,
	})
}

func (s *Service) checkUnlock(ctx context.Context, tenantID uuid.UUID, caller Caller) error {
	if caller.UserID == uuid.Nil {
		return ErrForbidden
	}
	allowed, err := s.authz.CanUnlock(ctx, tenantID, caller)
	if err != nil {
		return fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

func (s *Service) grantUnlock(ctx context.Context, p UnlockParams) (Unlock, error) {
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		return Unlock{}, NewValidationError(FieldError{Field: "reason", Message: "is required"})
	}
	if !utf8.ValidString(reason) {
		return Unlock{}, NewValidationError(FieldError{Field: "reason", Message: "must be valid UTF-8"})
	}
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return Unlock{}, NewValidationError(FieldError{Field: "reason", Message: fmt.Sprintf("must be at most %d characters", maxReasonLength)})
	}
	now := s.now()
	unlock := Unlock{
		ID:             uuid.New(),
		TenantID:       p.TenantID,
		ClassSectionID: p.ClassSectionID,
		Date:           CivilDate(p.Date),
		UnlockedBy:     p.Caller.UserID,
		Reason:         reason,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.unlockTTL),
	}
	err := s.store.WithTx(ctx, func(tx Tx) error {
		created, err := tx.CreateUnlock(ctx, unlock)
		if err != nil {
			return err
		}
		unlock = created
		return tx.InsertAudit(ctx, AuditRecord{
			TenantID:     p.TenantID,
			ActorID:      p.Caller.UserID,
			Action:       AuditEmergencyUnlock,
			ResourceType: resourceUnlock,
			ResourceID:   unlock.ID,
			Reason:       reason,
			Details: map[string]any{
				"class_section_id": p.ClassSectionID.String(),
				"date":             FormatDate(unlock.Date),
				"expires_at":       unlock.ExpiresAt.Format(time.RFC3339),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return Unlock{}, err
	}
	zerolog.Ctx(ctx).Info().
		Str("tenant_id", p.TenantID.String()).
		Str("class_section_id", p.ClassSectionID.String()).
		Str("date", FormatDate(unlock.Date)).
		Str("actor", p.Caller.UserID.String()).
		Time("expires_at", unlock.ExpiresAt).
		Msg("attendance session unlocked")
	return unlock, nil
}

// SessionView is a session together with its entries.
type SessionView struct {
	Session Session
	Entries []Entry
}

func (s *Service) GetSession(ctx context.Context, tenantID uuid.UUID, caller Caller, sessionID uuid.UUID) (SessionView, error) {
	session, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return s.viewSession(ctx, caller, session)
}

func (s *Service) FindSession(ctx context.Context, key SessionKey, caller Caller) (SessionView, error) {
	key.Date = CivilDate(key.Date)
	allowed, err := s.authz.CanView(ctx, key.TenantID, caller, key.ClassSectionID)
	if err != nil {
		return SessionView{}, fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return SessionView{}, ErrForbidden
	}
	session, err := s.store.FindSession(ctx, key)
	if err != nil {
		return SessionView{}, err
	}
	return s.viewSession(ctx, caller, session)
}

func (s *Service) viewSession(ctx context.Context, caller Caller, session Session) (SessionView, error) {
	allowed, err := s.authz.CanView(ctx, session.TenantID, caller, session.ClassSectionID)
	if err != nil {
		return SessionView{}, fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return SessionView{}, ErrForbidden
	}
	entries, err := s.store.ListEntries(ctx, session.ID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: session, Entries: entries}, nil
}

type LockState struct {
	Decision
	Unlocked        bool       `json:"unlocked"`
	UnlockExpiresAt *time.Time `json:"unlock_expires_at,omitempty"`
}

// LockStatus reports whether a session key can currently be written.
func (s *Service) LockStatus(ctx context.Context, key SessionKey, caller Caller) (LockState, error) {
	allowed, err := s.authz.CanView(ctx, key.TenantID, caller, key.ClassSectionID)
	if err != nil {
		return LockState{}, fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return LockState{}, ErrForbidden
	}
	return s.SessionLockState(ctx, key)
}

// SessionLockState evaluates the lock for a session key without a caller.
// It backs service-to-service queries that are authenticated upstream.
func (s *Service) SessionLockState(ctx context.Context, key SessionKey) (LockState, error) {
	policy, err := s.policies.Policy(ctx, key.TenantID)
	if err != nil {
		return LockState{}, fmt.Errorf("load policy: %w", err)
	}
	now := s.now()
	key.Date = CivilDate(key.Date)
	state := LockState{Decision: IsMutable(policy, key.Date, now)}
	unlock, ok, err := s.store.ActiveUnlock(ctx, key, now)
	if err != nil {
		return LockState{}, fmt.Errorf("load unlock grant: %w", err)
	}
	if ok {
		state.Unlocked = true
		expires := unlock.ExpiresAt
		state.UnlockExpiresAt = &expires
	}
	return state, nil
}

// MonthlySummary checks the caller may view the class section and delegates
// to the aggregator.
func (s *Service) MonthlySummary(ctx context.Context, tenantID uuid.UUID, caller Caller, classSectionID uuid.UUID, month YearMonth) ([]StudentSummary, error) {
	allowed, err := s.authz.CanView(ctx, tenantID, caller, classSectionID)
	if err != nil {
		return nil, fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return nil, ErrForbidden
	}
	return s.aggregator.MonthlySummary(ctx, tenantID, classSectionID, month)
}

// DailyStats checks view access and rolls up one day. A zero date means
// today in the tenant's timezone; a nil class section id spans the tenant and
// is refused to callers scoped to specific class sections.
func (s *Service) DailyStats(ctx context.Context, tenantID uuid.UUID, caller Caller, date time.Time, classSectionID uuid.UUID) (DailyStats, error) {
	allowed, err := s.authz.CanView(ctx, tenantID, caller, classSectionID)
	if err != nil {
		return DailyStats{}, fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return DailyStats{}, ErrForbidden
	}
	if date.IsZero() {
		policy, err := s.policies.Policy(ctx, tenantID)
		if err != nil {
			return DailyStats{}, fmt.Errorf("load policy: %w", err)
		}
		date = policy.Today(s.now())
	}
	return s.aggregator.DailyStats(ctx, tenantID, date, classSectionID)
}

func (s *Service) Policy(ctx context.Context, tenantID uuid.UUID) (Policy, error) {
	return s.policies.Policy(ctx, tenantID)
}

// UpdatePolicy replaces the tenant policy. The emergency lock flag is kept
// as stored; it only changes through SetEmergencyLock.
func (s *Service) UpdatePolicy(ctx context.Context, tenantID uuid.UUID, caller Caller, policy Policy) (Policy, error) {
	if err := s.checkManagePolicy(ctx, tenantID, caller); err != nil {
		return Policy{}, err
	}
	if policy.Timezone == "" {
		policy.Timezone = "UTC"
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return s.writePolicy(ctx, tenantID, caller, AuditPolicyUpdate, "", func(current Policy) Policy {
		policy.EmergencyLockAll = current.EmergencyLockAll
		return policy
	})
}

// SetEmergencyLock toggles the tenant-wide kill switch.
func (s *Service) SetEmergencyLock(ctx context.Context, tenantID uuid.UUID, caller Caller, enabled bool, reason string) (Policy, error) {
	if err := s.checkManagePolicy(ctx, tenantID, caller); err != nil {
		return Policy{}, err
	}
	reason = strings.TrimSpace(reason)
	if enabled && reason == "" {
		reason = "Emergency attendance lock"
	}
	return s.writePolicy(ctx, tenantID, caller, AuditEmergencyLock, reason, func(current Policy) Policy {
		current.EmergencyLockAll = enabled
		return current
	})
}

func (s *Service) checkManagePolicy(ctx context.Context, tenantID uuid.UUID, caller Caller) error {
	if caller.UserID == uuid.Nil {
		return ErrForbidden
	}
	allowed, err := s.authz.CanManagePolicy(ctx, tenantID, caller)
	if err != nil {
		return fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

type policyLocker interface {
	LockPolicy(ctx context.Context, tenantID uuid.UUID) (Policy, error)
}

func (s *Service) writePolicy(ctx context.Context, tenantID uuid.UUID, caller Caller, action, reason string, change func(Policy) Policy) (Policy, error) {
	var updated Policy
	err := s.store.WithTx(ctx, func(tx Tx) error {
		current, err := currentPolicy(ctx, tx, s.policies, tenantID)
		if err != nil {
			return err
		}
		updated = change(current)
		if err := tx.SavePolicy(ctx, tenantID, updated); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, AuditRecord{
			TenantID:     tenantID,
			ActorID:      caller.UserID,
			Action:       action,
			ResourceType: resourcePolicy,
			ResourceID:   tenantID,
			Reason:       reason,
			Details:      map[string]any{"before": current, "after": updated},
			CreatedAt:    s.now(),
		})
	})
	if err != nil {
		return Policy{}, err
	}
	if err := s.policies.Invalidate(ctx, tenantID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("policy cache invalidation failed")
	}
	return updated, nil
}

// currentPolicy reads the authoritative policy inside the transaction when
// the store supports row locking, and falls back to the policy source.
func currentPolicy(ctx context.Context, tx Tx, source PolicySource, tenantID uuid.UUID) (Policy, error) {
	if locker, ok := tx.(policyLocker); ok {
		return locker.LockPolicy(ctx, tenantID)
	}
	return source.Policy(ctx, tenantID)
}

func (s *Service) invalidateSummary(ctx context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) {
	if s.summaries == nil {
		return
	}
	if err := s.summaries.Invalidate(ctx, tenantID, classSectionID, month); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("tenant_id", tenantID.String()).
			Str("class_section_id", classSectionID.String()).
			Str("month", month.String()).
			Msg("summary cache invalidation failed")
	}
}

func normalizeEntries(inputs []EntryInput) ([]Entry, error) {
	if len(inputs) == 0 {
		return nil, NewValidationError(FieldError{Field: "entries", Message: "at least one entry is required"})
	}
	var fields []FieldError
	seen := make(map[uuid.UUID]struct{}, len(inputs))
	entries := make([]Entry, 0, len(inputs))
	for i, in := range inputs {
		prefix := fmt.Sprintf("entries[%d]", i)
		if in.StudentID == uuid.Nil {
			fields = append(fields, FieldError{Field: prefix + ".student_id", Message: "is required"})
			continue
		}
		if _, dup := seen[in.StudentID]; dup {
			fields = append(fields, FieldError{Field: prefix + ".student_id", Message: "duplicate student"})
			continue
		}
		seen[in.StudentID] = struct{}{}
		status, err := ParseStatus(in.Status)
		if err != nil {
			fields = append(fields, FieldError{Field: prefix + ".status", Message: "must be one of present, absent, late, halfday, excused"})
			continue
		}
		remarks := strings.TrimSpace(in.Remarks)
		if !utf8.ValidString(remarks) {
			fields = append(fields, FieldError{Field: prefix + ".remarks", Message: "must be valid UTF-8"})
			continue
		}
		if utf8.RuneCountInString(remarks) > maxRemarksLength {
			fields = append(fields, FieldError{Field: prefix + ".remarks", Message: fmt.Sprintf("must be at most %d characters", maxRemarksLength)})
			continue
		}
		entries = append(entries, Entry{StudentID: in.StudentID, Status: status, Remarks: remarks})
	}
	if len(fields) > 0 {
		return nil, NewValidationError(fields...)
	}
	return entries, nil
}

// checkEnrollment accepts students on the active roster and students that
// already hold an entry in the session, so entries of students who left the
// class section survive a re-mark.
func checkEnrollment(entries []Entry, active []uuid.UUID, previous []Entry) error {
	known := make(map[uuid.UUID]struct{}, len(active)+len(previous))
	for _, id := range active {
		known[id] = struct{}{}
	}
	for _, e := range previous {
		known[e.StudentID] = struct{}{}
	}
	var fields []FieldError
	for i, e := range entries {
		if _, ok := known[e.StudentID]; !ok {
			fields = append(fields, FieldError{Field: fmt.Sprintf("entries[%d].student_id", i), Message: notEnrolledReason})
		}
	}
	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}

// requireEditReasons demands a remark on every entry whose status differs
// from the stored one, including entries new to the session.
func requireEditReasons(entries []Entry, previous []Entry) error {
	before := make(map[uuid.UUID]Status, len(previous))
	for _, e := range previous {
		before[e.StudentID] = e.Status
	}
	var fields []FieldError
	for i, e := range entries {
		status, ok := before[e.StudentID]
		if ok && status == e.Status {
			continue
		}
		if e.Remarks == "" {
			fields = append(fields, FieldError{Field: fmt.Sprintf("entries[%d].remarks", i), Message: "a reason is required when changing attendance"})
		}
	}
	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}
