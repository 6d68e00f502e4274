package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memState struct {
	sessions map[uuid.UUID]Session
	byKey    map[SessionKey]uuid.UUID
	entries  map[uuid.UUID][]Entry
	unlocks  []Unlock
	policies map[uuid.UUID]Policy
	audit    []AuditRecord
}

func (s memState) clone() memState {
	out := memState{
		sessions: make(map[uuid.UUID]Session, len(s.sessions)),
		byKey:    make(map[SessionKey]uuid.UUID, len(s.byKey)),
		entries:  make(map[uuid.UUID][]Entry, len(s.entries)),
		unlocks:  append([]Unlock(nil), s.unlocks...),
		policies: make(map[uuid.UUID]Policy, len(s.policies)),
		audit:    append([]AuditRecord(nil), s.audit...),
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.byKey {
		out.byKey[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = append([]Entry(nil), v...)
	}
	for k, v := range s.policies {
		out.policies[k] = v
	}
	return out
}

// memStore serializes transactions and applies them only on success.
type memStore struct {
	mu    sync.Mutex
	state memState
	txs   int
}

func newMemStore() *memStore {
	return &memStore{state: memState{}.clone()}
}

func (m *memStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++
	staged := m.state.clone()
	if err := fn(&memTx{state: &staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *memStore) GetSession(_ context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return Session{}, &NotFoundError{Resource: "session"}
	}
	return s, nil
}

func (m *memStore) FindSession(_ context.Context, key SessionKey) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.state.byKey[key]
	if !ok {
		return Session{}, &NotFoundError{Resource: "session"}
	}
	return m.state.sessions[id], nil
}

func (m *memStore) ListEntries(_ context.Context, sessionID uuid.UUID) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.state.entries[sessionID]...), nil
}

func (m *memStore) ActiveUnlock(_ context.Context, key SessionKey, now time.Time) (Unlock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.state.unlocks {
		if u.TenantID == key.TenantID && u.ClassSectionID == key.ClassSectionID && u.Date.Equal(key.Date) && now.Before(u.ExpiresAt) {
			return u, true, nil
		}
	}
	return Unlock{}, false, nil
}

func (m *memStore) ListEntriesForMonth(_ context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) ([]MonthRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []MonthRow
	for _, s := range m.state.sessions {
		if s.TenantID != tenantID || s.ClassSectionID != classSectionID || YearMonthOf(s.Date) != month {
			continue
		}
		entries := m.state.entries[s.ID]
		if len(entries) == 0 {
			rows = append(rows, MonthRow{SessionID: s.ID, ClassSectionID: s.ClassSectionID, Date: s.Date})
		}
		for _, e := range entries {
			rows = append(rows, MonthRow{SessionID: s.ID, ClassSectionID: s.ClassSectionID, Date: s.Date, StudentID: e.StudentID, Status: e.Status})
		}
	}
	return rows, nil
}

func (m *memStore) ListEntriesForDate(_ context.Context, tenantID uuid.UUID, date time.Time, classSectionID uuid.UUID) ([]MonthRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []MonthRow
	for _, s := range m.state.sessions {
		if s.TenantID != tenantID || !s.Date.Equal(date) {
			continue
		}
		if classSectionID != uuid.Nil && s.ClassSectionID != classSectionID {
			continue
		}
		base := MonthRow{SessionID: s.ID, ClassSectionID: s.ClassSectionID, Date: s.Date}
		entries := m.state.entries[s.ID]
		if len(entries) == 0 {
			rows = append(rows, base)
		}
		for _, e := range entries {
			row := base
			row.StudentID = e.StudentID
			row.Status = e.Status
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.sessions)
}

func (m *memStore) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.state.audit))
	for _, a := range m.state.audit {
		out = append(out, a.Action)
	}
	return out
}

type memTx struct {
	state *memState
}

func (t *memTx) UpsertSession(_ context.Context, key SessionKey, markedBy uuid.UUID) (Session, bool, error) {
	if id, ok := t.state.byKey[key]; ok {
		s := t.state.sessions[id]
		s.MarkedBy = markedBy
		s.UpdatedAt = time.Now()
		t.state.sessions[id] = s
		return s, false, nil
	}
	now := time.Now()
	s := Session{
		ID:             uuid.New(),
		TenantID:       key.TenantID,
		ClassSectionID: key.ClassSectionID,
		Date:           key.Date,
		MarkedBy:       markedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.state.sessions[s.ID] = s
	t.state.byKey[key] = s.ID
	return s, true, nil
}

func (t *memTx) ListEntries(_ context.Context, sessionID uuid.UUID) ([]Entry, error) {
	return append([]Entry(nil), t.state.entries[sessionID]...), nil
}

func (t *memTx) ReplaceEntries(_ context.Context, sessionID uuid.UUID, entries []Entry) error {
	stored := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.ID = uuid.New()
		e.SessionID = sessionID
		stored = append(stored, e)
	}
	t.state.entries[sessionID] = stored
	return nil
}

func (t *memTx) CreateUnlock(_ context.Context, unlock Unlock) (Unlock, error) {
	t.state.unlocks = append(t.state.unlocks, unlock)
	return unlock, nil
}

func (t *memTx) SavePolicy(_ context.Context, tenantID uuid.UUID, policy Policy) error {
	t.state.policies[tenantID] = policy
	return nil
}

func (t *memTx) LockPolicy(_ context.Context, tenantID uuid.UUID) (Policy, error) {
	if policy, ok := t.state.policies[tenantID]; ok {
		return policy, nil
	}
	return DefaultPolicy(), nil
}

func (t *memTx) InsertAudit(_ context.Context, record AuditRecord) error {
	t.state.audit = append(t.state.audit, record)
	return nil
}

type staticRoster struct {
	students map[uuid.UUID][]uuid.UUID
}

func (r staticRoster) ActiveStudents(_ context.Context, _ uuid.UUID, classSectionID uuid.UUID) ([]uuid.UUID, error) {
	return r.students[classSectionID], nil
}

func (r staticRoster) ClassSectionExists(_ context.Context, _ uuid.UUID, classSectionID uuid.UUID) (bool, error) {
	_, ok := r.students[classSectionID]
	return ok, nil
}

// storePolicies reads policies committed to the memStore.
type storePolicies struct {
	store       *memStore
	invalidated int
}

func (p *storePolicies) Policy(_ context.Context, tenantID uuid.UUID) (Policy, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if policy, ok := p.store.state.policies[tenantID]; ok {
		return policy, nil
	}
	return DefaultPolicy(), nil
}

func (p *storePolicies) Invalidate(context.Context, uuid.UUID) error {
	p.invalidated++
	return nil
}

type summaryScope struct {
	tenantID       uuid.UUID
	classSectionID uuid.UUID
	month          YearMonth
}

type memSummaryCache struct {
	mu          sync.Mutex
	rows        map[SummaryKey][]StudentSummary
	gens        map[summaryScope]int64
	invalidated int
}

func newMemSummaryCache() *memSummaryCache {
	return &memSummaryCache{rows: map[SummaryKey][]StudentSummary{}, gens: map[summaryScope]int64{}}
}

func (c *memSummaryCache) Generation(_ context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[summaryScope{tenantID, classSectionID, month}], nil
}

func (c *memSummaryCache) Get(_ context.Context, key SummaryKey) ([]StudentSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, ok := c.rows[key]
	return rows, ok, nil
}

func (c *memSummaryCache) Set(_ context.Context, key SummaryKey, rows []StudentSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[key] = rows
	return nil
}

func (c *memSummaryCache) Invalidate(_ context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	c.gens[summaryScope{tenantID, classSectionID, month}]++
	return nil
}
