package attendance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Aggregator computes monthly per-student counts for one class section.
type Aggregator struct {
	store    Store
	roster   Roster
	policies PolicySource
	cache    SummaryCache
}

func NewAggregator(store Store, roster Roster, policies PolicySource) *Aggregator {
	return &Aggregator{store: store, roster: roster, policies: policies}
}

// MonthlySummary reads the month in one scan and reports every student on
// the active roster plus any student holding an entry that month.
func (a *Aggregator) MonthlySummary(ctx context.Context, tenantID, classSectionID uuid.UUID, month YearMonth) ([]StudentSummary, error) {
	if month.Month < 1 || month.Month > 12 {
		return nil, NewValidationError(FieldError{Field: "month", Message: "must be YYYY-MM"})
	}
	policy, err := a.policies.Policy(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	key := SummaryKey{
		TenantID:       tenantID,
		ClassSectionID: classSectionID,
		Month:          month,
		CountUnmarked:  policy.CountUnmarkedAsAbsent,
	}
	logger := zerolog.Ctx(ctx)
	useCache := a.cache != nil
	if useCache {
		gen, err := a.cache.Generation(ctx, tenantID, classSectionID, month)
		if err != nil {
			logger.Warn().Err(err).Msg("summary cache generation read failed")
			useCache = false
		}
		key.Generation = gen
	}
	if useCache {
		cached, ok, err := a.cache.Get(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Msg("summary cache read failed")
		} else if ok {
			return cached, nil
		}
	}

	active, err := a.roster.ActiveStudents(ctx, tenantID, classSectionID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	rows, err := a.store.ListEntriesForMonth(ctx, tenantID, classSectionID, month)
	if err != nil {
		return nil, fmt.Errorf("scan month: %w", err)
	}
	if len(active) == 0 && len(rows) == 0 {
		exists, err := a.roster.ClassSectionExists(ctx, tenantID, classSectionID)
		if err != nil {
			return nil, fmt.Errorf("lookup class section: %w", err)
		}
		if !exists {
			return nil, &NotFoundError{Resource: "class_section"}
		}
	}

	summary := Summarize(rows, active, policy.CountUnmarkedAsAbsent)
	if useCache {
		if err := a.cache.Set(ctx, key, summary); err != nil {
			logger.Warn().Err(err).Msg("summary cache write failed")
		}
	}
	return summary, nil
}

// DailyStats reports the day's status counts for the tenant, or for one class
// section when classSectionID is set.
func (a *Aggregator) DailyStats(ctx context.Context, tenantID uuid.UUID, date time.Time, classSectionID uuid.UUID) (DailyStats, error) {
	date = CivilDate(date)
	rows, err := a.store.ListEntriesForDate(ctx, tenantID, date, classSectionID)
	if err != nil {
		return DailyStats{}, fmt.Errorf("scan day: %w", err)
	}
	if classSectionID != uuid.Nil && len(rows) == 0 {
		exists, err := a.roster.ClassSectionExists(ctx, tenantID, classSectionID)
		if err != nil {
			return DailyStats{}, fmt.Errorf("lookup class section: %w", err)
		}
		if !exists {
			return DailyStats{}, &NotFoundError{Resource: "class_section"}
		}
	}
	stats := SummarizeDay(date, rows)
	if classSectionID != uuid.Nil {
		id := classSectionID
		stats.ClassSectionID = &id
	}
	return stats, nil
}

// SummarizeDay counts entries by status. Percentage is present over all
// entries and stays nil when nothing was marked.
func SummarizeDay(date time.Time, rows []MonthRow) DailyStats {
	stats := DailyStats{Date: FormatDate(date)}
	sessions := make(map[uuid.UUID]struct{})
	sections := make(map[uuid.UUID]struct{})
	for _, row := range rows {
		sessions[row.SessionID] = struct{}{}
		sections[row.ClassSectionID] = struct{}{}
		if row.StudentID == uuid.Nil {
			continue
		}
		switch row.Status {
		case StatusPresent:
			stats.Present++
		case StatusAbsent:
			stats.Absent++
		case StatusLate:
			stats.Late++
		case StatusHalfDay:
			stats.HalfDay++
		case StatusExcused:
			stats.Excused++
		}
		stats.TotalEntries++
	}
	stats.Sessions = len(sessions)
	stats.ClassSections = len(sections)
	if stats.TotalEntries > 0 {
		pct := round2(float64(stats.Present) / float64(stats.TotalEntries) * 100)
		stats.Percentage = &pct
	}
	return stats
}

// Summarize folds a month scan into per-student counts ordered by student id.
// A student's total is the number of sessions holding an entry for them; with
// countUnmarked, active students also accrue an absence for each session of
// the month they were left out of.
func Summarize(rows []MonthRow, active []uuid.UUID, countUnmarked bool) []StudentSummary {
	sessions := make(map[uuid.UUID]struct{})
	marked := make(map[uuid.UUID]int)
	byStudent := make(map[uuid.UUID]*StudentSummary)
	ensure := func(id uuid.UUID) *StudentSummary {
		s, ok := byStudent[id]
		if !ok {
			s = &StudentSummary{StudentID: id}
			byStudent[id] = s
		}
		return s
	}
	for _, id := range active {
		ensure(id)
	}

	for _, row := range rows {
		sessions[row.SessionID] = struct{}{}
		if row.StudentID == uuid.Nil {
			continue
		}
		s := ensure(row.StudentID)
		switch row.Status {
		case StatusPresent:
			s.Present++
		case StatusAbsent:
			s.Absent++
		case StatusLate:
			s.Late++
		case StatusHalfDay:
			s.HalfDay++
		case StatusExcused:
			s.Excused++
		}
		s.TotalSessions++
		marked[row.StudentID]++
	}

	if countUnmarked {
		for _, id := range active {
			missing := len(sessions) - marked[id]
			if missing <= 0 {
				continue
			}
			s := byStudent[id]
			s.Absent += missing
			s.TotalSessions += missing
		}
	}

	out := make([]StudentSummary, 0, len(byStudent))
	for _, s := range byStudent {
		if s.TotalSessions > 0 {
			pct := round2(float64(s.Present) / float64(s.TotalSessions) * 100)
			s.Percentage = &pct
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StudentID.String() < out[j].StudentID.String()
	})
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
