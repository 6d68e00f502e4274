package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"schoolerp/attendance/internal/attendance"
)

const uniqueViolation = "23505"

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

var _ attendance.Tx = (*Queries)(nil)

const sessionColumns = `id, tenant_id, class_section_id, date, marked_by, created_at, updated_at`

func scanSession(row pgx.Row, extra ...any) (attendance.Session, error) {
	var s attendance.Session
	dest := append([]any{&s.ID, &s.TenantID, &s.ClassSectionID, &s.Date, &s.MarkedBy, &s.CreatedAt, &s.UpdatedAt}, extra...)
	err := row.Scan(dest...)
	s.Date = attendance.CivilDate(s.Date)
	return s, err
}

// UpsertSession inserts the session for key or touches the existing row. The
// conflict target is the natural key, so concurrent callers converge on one
// row. created reports whether this call inserted it.
func (q *Queries) UpsertSession(ctx context.Context, key attendance.SessionKey, markedBy uuid.UUID) (attendance.Session, bool, error) {
	var created bool
	row := q.db.QueryRow(ctx, `
		INSERT INTO attendance_sessions (id, tenant_id, class_section_id, date, marked_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, class_section_id, date)
		DO UPDATE SET marked_by = EXCLUDED.marked_by, updated_at = now()
		RETURNING `+sessionColumns+`, (xmax = 0) AS created
	`, uuid.New(), key.TenantID, key.ClassSectionID, pgDate(key.Date), markedBy)
	session, err := scanSession(row, &created)
	if err != nil {
		return attendance.Session{}, false, mapError(err, "session")
	}
	return session, created, nil
}

func (q *Queries) GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (attendance.Session, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return attendance.Session{}, mapError(err, "session")
	}
	return session, nil
}

func (q *Queries) FindSession(ctx context.Context, key attendance.SessionKey) (attendance.Session, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE tenant_id = $1 AND class_section_id = $2 AND date = $3
	`, key.TenantID, key.ClassSectionID, pgDate(key.Date))
	session, err := scanSession(row)
	if err != nil {
		return attendance.Session{}, mapError(err, "session")
	}
	return session, nil
}

func (q *Queries) ListEntries(ctx context.Context, sessionID uuid.UUID) ([]attendance.Entry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, session_id, student_id, status, remarks
		FROM attendance_entries
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []attendance.Entry{}
	for rows.Next() {
		var (
			e       attendance.Entry
			status  string
			remarks pgtype.Text
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StudentID, &status, &remarks); err != nil {
			return nil, err
		}
		e.Status = attendance.Status(status)
		e.Remarks = remarks.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplaceEntries swaps the session's entry set. It must run inside a
// transaction; the delete and the copy are two statements.
func (q *Queries) ReplaceEntries(ctx context.Context, sessionID uuid.UUID, entries []attendance.Entry) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM attendance_entries WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		id := e.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows = append(rows, []any{id, sessionID, e.StudentID, string(e.Status), pgText(e.Remarks)})
	}
	_, err := q.db.CopyFrom(ctx,
		pgx.Identifier{"attendance_entries"},
		[]string{"id", "session_id", "student_id", "status", "remarks"},
		pgx.CopyFromRows(rows),
	)
	return mapError(err, "entry")
}

func (q *Queries) CreateUnlock(ctx context.Context, u attendance.Unlock) (attendance.Unlock, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO attendance_unlocks (id, tenant_id, class_section_id, date, unlocked_by, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, tenant_id, class_section_id, date, unlocked_by, reason, created_at, expires_at
	`, u.ID, u.TenantID, u.ClassSectionID, pgDate(u.Date), u.UnlockedBy, u.Reason, u.CreatedAt, u.ExpiresAt)
	created, err := scanUnlock(row)
	if err != nil {
		return attendance.Unlock{}, mapError(err, "unlock")
	}
	return created, nil
}

// ActiveUnlock returns the latest grant for key that has not expired at now.
func (q *Queries) ActiveUnlock(ctx context.Context, key attendance.SessionKey, now time.Time) (attendance.Unlock, bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, tenant_id, class_section_id, date, unlocked_by, reason, created_at, expires_at
		FROM attendance_unlocks
		WHERE tenant_id = $1 AND class_section_id = $2 AND date = $3 AND expires_at > $4
		ORDER BY expires_at DESC
		LIMIT 1
	`, key.TenantID, key.ClassSectionID, pgDate(key.Date), now)
	unlock, err := scanUnlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return attendance.Unlock{}, false, nil
	}
	if err != nil {
		return attendance.Unlock{}, false, err
	}
	return unlock, true, nil
}

// DeleteExpiredUnlocks removes grants that expired before the cutoff. The
// audit log keeps the record of each grant.
func (q *Queries) DeleteExpiredUnlocks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM attendance_unlocks WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanUnlock(row pgx.Row) (attendance.Unlock, error) {
	var u attendance.Unlock
	err := row.Scan(&u.ID, &u.TenantID, &u.ClassSectionID, &u.Date, &u.UnlockedBy, &u.Reason, &u.CreatedAt, &u.ExpiresAt)
	u.Date = attendance.CivilDate(u.Date)
	return u, err
}

// ListEntriesForMonth scans the month's sessions with their entries. A
// session with no entries yields a single row with a zero student id.
func (q *Queries) ListEntriesForMonth(ctx context.Context, tenantID, classSectionID uuid.UUID, month attendance.YearMonth) ([]attendance.MonthRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT s.id, s.class_section_id, s.date, e.student_id, e.status
		FROM attendance_sessions s
		LEFT JOIN attendance_entries e ON e.session_id = s.id
		WHERE s.tenant_id = $1
		  AND s.class_section_id = $2
		  AND s.date >= $3 AND s.date < $4
		ORDER BY s.date, e.student_id
	`, tenantID, classSectionID, pgDate(month.Start()), pgDate(month.End()))
	if err != nil {
		return nil, err
	}
	return scanSessionRows(rows)
}

// ListEntriesForDate scans one day's sessions with their entries, across the
// tenant when classSectionID is uuid.Nil.
func (q *Queries) ListEntriesForDate(ctx context.Context, tenantID uuid.UUID, date time.Time, classSectionID uuid.UUID) ([]attendance.MonthRow, error) {
	section := pgtype.UUID{}
	if classSectionID != uuid.Nil {
		section = pgtype.UUID{Bytes: classSectionID, Valid: true}
	}
	rows, err := q.db.Query(ctx, `
		SELECT s.id, s.class_section_id, s.date, e.student_id, e.status
		FROM attendance_sessions s
		LEFT JOIN attendance_entries e ON e.session_id = s.id
		WHERE s.tenant_id = $1
		  AND s.date = $2
		  AND ($3::uuid IS NULL OR s.class_section_id = $3)
		ORDER BY s.class_section_id, e.student_id
	`, tenantID, pgDate(date), section)
	if err != nil {
		return nil, err
	}
	return scanSessionRows(rows)
}

func scanSessionRows(rows pgx.Rows) ([]attendance.MonthRow, error) {
	defer rows.Close()

	var out []attendance.MonthRow
	for rows.Next() {
		var (
			r         attendance.MonthRow
			date      pgtype.Date
			studentID pgtype.UUID
			status    pgtype.Text
		)
		if err := rows.Scan(&r.SessionID, &r.ClassSectionID, &date, &studentID, &status); err != nil {
			return nil, err
		}
		r.Date = attendance.CivilDate(date.Time)
		if studentID.Valid {
			r.StudentID = uuid.UUID(studentID.Bytes)
			r.Status = attendance.Status(status.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) ActiveStudents(ctx context.Context, tenantID, classSectionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `
		SELECT student_id
		FROM class_enrollments
		WHERE tenant_id = $1 AND class_section_id = $2 AND status = 'active'
		ORDER BY student_id
	`, tenantID, classSectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *Queries) ClassSectionExists(ctx context.Context, tenantID, classSectionID uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM class_sections WHERE tenant_id = $1 AND id = $2)
	`, tenantID, classSectionID).Scan(&exists)
	return exists, err
}

const policyColumns = `edit_window_hours, lock_previous_month, require_reason_for_edit, emergency_lock_all, count_unmarked_as_absent, timezone`

func scanPolicy(row pgx.Row) (attendance.Policy, error) {
	var p attendance.Policy
	err := row.Scan(&p.EditWindowHours, &p.LockPreviousMonth, &p.RequireReasonForEdit, &p.EmergencyLockAll, &p.CountUnmarkedAsAbsent, &p.Timezone)
	return p, err
}

// GetPolicy returns the stored policy, or the defaults for tenants that never
// saved one.
func (q *Queries) GetPolicy(ctx context.Context, tenantID uuid.UUID) (attendance.Policy, error) {
	policy, err := scanPolicy(q.db.QueryRow(ctx, `
		SELECT `+policyColumns+`
		FROM attendance_policies
		WHERE tenant_id = $1
	`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return attendance.DefaultPolicy(), nil
	}
	return policy, err
}

// LockPolicy materializes the tenant row if needed and locks it for the rest
// of the transaction.
func (q *Queries) LockPolicy(ctx context.Context, tenantID uuid.UUID) (attendance.Policy, error) {
	def := attendance.DefaultPolicy()
	if _, err := q.db.Exec(ctx, `
		INSERT INTO attendance_policies (tenant_id, `+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, def.EditWindowHours, def.LockPreviousMonth, def.RequireReasonForEdit, def.EmergencyLockAll, def.CountUnmarkedAsAbsent, def.Timezone); err != nil {
		return attendance.Policy{}, err
	}
	return scanPolicy(q.db.QueryRow(ctx, `
		SELECT `+policyColumns+`
		FROM attendance_policies
		WHERE tenant_id = $1
		FOR UPDATE
	`, tenantID))
}

func (q *Queries) SavePolicy(ctx context.Context, tenantID uuid.UUID, p attendance.Policy) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO attendance_policies (tenant_id, `+policyColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			edit_window_hours = EXCLUDED.edit_window_hours,
			lock_previous_month = EXCLUDED.lock_previous_month,
			require_reason_for_edit = EXCLUDED.require_reason_for_edit,
			emergency_lock_all = EXCLUDED.emergency_lock_all,
			count_unmarked_as_absent = EXCLUDED.count_unmarked_as_absent,
			timezone = EXCLUDED.timezone,
			updated_at = now()
	`, tenantID, p.EditWindowHours, p.LockPreviousMonth, p.RequireReasonForEdit, p.EmergencyLockAll, p.CountUnmarkedAsAbsent, p.Timezone)
	return err
}

func (q *Queries) InsertAudit(ctx context.Context, r attendance.AuditRecord) error {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return err
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO attendance_audit_log (id, tenant_id, actor_id, action, resource_type, resource_id, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New(), r.TenantID, r.ActorID, r.Action, r.ResourceType, r.ResourceID, pgText(r.Reason), details, createdAt)
	return err
}

func pgDate(t time.Time) pgtype.Date {
	return pgtype.Date{Time: attendance.CivilDate(t), Valid: true}
}

func pgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func mapError(err error, resource string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &attendance.NotFoundError{Resource: resource}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &attendance.ConflictError{Err: err}
	}
	return err
}
