package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoolerp/attendance/internal/attendance"
)

type Store struct {
	Pool    *pgxpool.Pool
	Queries *Queries
}

var (
	_ attendance.Store  = (*Store)(nil)
	_ attendance.Roster = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

// WithTx runs fn in a read-committed transaction. The session upsert's
// ON CONFLICT clause serializes concurrent writers of one key without a
// stronger isolation level.
func (s *Store) WithTx(ctx context.Context, fn func(attendance.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return mapError(tx.Commit(ctx), "session")
}

func (s *Store) GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (attendance.Session, error) {
	return s.Queries.GetSession(ctx, tenantID, sessionID)
}

func (s *Store) FindSession(ctx context.Context, key attendance.SessionKey) (attendance.Session, error) {
	return s.Queries.FindSession(ctx, key)
}

func (s *Store) ListEntries(ctx context.Context, sessionID uuid.UUID) ([]attendance.Entry, error) {
	return s.Queries.ListEntries(ctx, sessionID)
}

func (s *Store) ActiveUnlock(ctx context.Context, key attendance.SessionKey, now time.Time) (attendance.Unlock, bool, error) {
	return s.Queries.ActiveUnlock(ctx, key, now)
}

func (s *Store) ListEntriesForDate(ctx context.Context, tenantID uuid.UUID, date time.Time, classSectionID uuid.UUID) ([]attendance.MonthRow, error) {
	return s.Queries.ListEntriesForDate(ctx, tenantID, date, classSectionID)
}

func (s *Store) ListEntriesForMonth(ctx context.Context, tenantID, classSectionID uuid.UUID, month attendance.YearMonth) ([]attendance.MonthRow, error) {
	return s.Queries.ListEntriesForMonth(ctx, tenantID, classSectionID, month)
}

func (s *Store) DeleteExpiredUnlocks(ctx context.Context, before time.Time) (int64, error) {
	return s.Queries.DeleteExpiredUnlocks(ctx, before)
}

func (s *Store) ActiveStudents(ctx context.Context, tenantID, classSectionID uuid.UUID) ([]uuid.UUID, error) {
	return s.Queries.ActiveStudents(ctx, tenantID, classSectionID)
}

func (s *Store) ClassSectionExists(ctx context.Context, tenantID, classSectionID uuid.UUID) (bool, error) {
	return s.Queries.ClassSectionExists(ctx, tenantID, classSectionID)
}

// PolicySource reads tenant policies straight from Postgres. Wrap it in a
// cache for request paths.
type PolicySource struct {
	queries *Queries
}

var _ attendance.PolicySource = (*PolicySource)(nil)

func NewPolicySource(store *Store) *PolicySource {
	return &PolicySource{queries: store.Queries}
}

func (p *PolicySource) Policy(ctx context.Context, tenantID uuid.UUID) (attendance.Policy, error) {
	return p.queries.GetPolicy(ctx, tenantID)
}

func (p *PolicySource) Invalidate(context.Context, uuid.UUID) error {
	return nil
}
