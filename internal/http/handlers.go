package http

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"schoolerp/attendance/internal/attendance"
)

type markEntryRequest struct {
	StudentID string `json:"student_id" validate:"required,uuid"`
	Status    string `json:"status" validate:"required"`
	Remarks   string `json:"remarks" validate:"max=500"`
}

type markAttendanceRequest struct {
	ClassSectionID string             `json:"class_section_id" validate:"required,uuid"`
	Date           string             `json:"date" validate:"required,datetime=2006-01-02"`
	Entries        []markEntryRequest `json:"entries" validate:"required,min=1,max=1000,dive"`
}

type unlockRequest struct {
	ClassSectionID string `json:"class_section_id" validate:"required,uuid"`
	Date           string `json:"date" validate:"required,datetime=2006-01-02"`
	Reason         string `json:"reason" validate:"required,max=500"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type policyRequest struct {
	EditWindowHours       *int   `json:"edit_window_hours" validate:"required,min=0,max=1488"`
	LockPreviousMonth     *bool  `json:"lock_previous_month" validate:"required"`
	RequireReasonForEdit  bool   `json:"require_reason_for_edit"`
	CountUnmarkedAsAbsent bool   `json:"count_unmarked_as_absent"`
	Timezone              string `json:"timezone" validate:"omitempty,timezone"`
	// Accepted so a fetched policy can be sent back unchanged. The flag
	// itself only moves through /attendance/locks/emergency.
	EmergencyLockAll *bool `json:"emergency_lock_all,omitempty"`
}

type entryResponse struct {
	ID        string `json:"id"`
	StudentID string `json:"student_id"`
	Status    string `json:"status"`
	Remarks   string `json:"remarks,omitempty"`
}

type sessionResponse struct {
	ID             string          `json:"id"`
	ClassSectionID string          `json:"class_section_id"`
	Date           string          `json:"date"`
	MarkedBy       string          `json:"marked_by"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	Entries        []entryResponse `json:"entries"`
}

type unlockResponse struct {
	ID             string `json:"id"`
	ClassSectionID string `json:"class_section_id"`
	Date           string `json:"date"`
	UnlockedBy     string `json:"unlocked_by"`
	Reason         string `json:"reason"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at"`
}

type lockStatusResponse struct {
	Mutable         bool   `json:"mutable"`
	Reason          string `json:"reason,omitempty"`
	Deadline        string `json:"deadline"`
	Unlocked        bool   `json:"unlocked"`
	UnlockExpiresAt string `json:"unlock_expires_at,omitempty"`
}

func (s *Server) handleMarkAttendance(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	var req markAttendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		markTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validateRequest(req); err != nil {
		markTotal.WithLabelValues("invalid").Inc()
		writeServiceError(w, r, err)
		return
	}

	// both already validated as uuid / date
	classSectionID := uuid.MustParse(req.ClassSectionID)
	date, _ := attendance.ParseDate(req.Date)
	entries := make([]attendance.EntryInput, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, attendance.EntryInput{
			StudentID: uuid.MustParse(e.StudentID),
			Status:    e.Status,
			Remarks:   e.Remarks,
		})
	}

	sessionID, err := s.service.MarkAttendance(r.Context(), attendance.MarkParams{
		TenantID:       tc.TenantID,
		ClassSectionID: classSectionID,
		Date:           date,
		Caller:         tc.Caller,
		Entries:        entries,
	})
	markTotal.WithLabelValues(markOutcome(err)).Inc()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().
		Str("session_id", sessionID.String()).
		Str("class_section_id", req.ClassSectionID).
		Str("date", req.Date).
		Int("entries", len(entries)).
		Msg("attendance marked")
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID.String()})
}

func (s *Server) handleFindSession(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	classSectionID, date, ok := sessionKeyQuery(w, r)
	if !ok {
		return
	}
	view, err := s.service.FindSession(r.Context(), attendance.SessionKey{
		TenantID:       tc.TenantID,
		ClassSectionID: classSectionID,
		Date:           date,
	}, tc.Caller)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSession(view))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	view, err := s.service.GetSession(r.Context(), tc.TenantID, tc.Caller, sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSession(view))
}

func (s *Server) handleUnlockSession(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validateRequest(req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	unlock, err := s.service.UnlockSession(r.Context(), tc.TenantID, sessionID, tc.Caller, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapUnlock(unlock))
}

func (s *Server) handleCreateUnlock(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validateRequest(req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	date, _ := attendance.ParseDate(req.Date)
	unlock, err := s.service.EmergencyUnlock(r.Context(), attendance.UnlockParams{
		TenantID:       tc.TenantID,
		ClassSectionID: uuid.MustParse(req.ClassSectionID),
		Date:           date,
		Caller:         tc.Caller,
		Reason:         req.Reason,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapUnlock(unlock))
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	classSectionID, date, ok := sessionKeyQuery(w, r)
	if !ok {
		return
	}
	state, err := s.service.LockStatus(r.Context(), attendance.SessionKey{
		TenantID:       tc.TenantID,
		ClassSectionID: classSectionID,
		Date:           date,
	}, tc.Caller)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := lockStatusResponse{
		Mutable:  state.Mutable,
		Reason:   string(state.Reason),
		Deadline: formatTime(state.Deadline),
		Unlocked: state.Unlocked,
	}
	if state.UnlockExpiresAt != nil {
		resp.UnlockExpiresAt = formatTime(*state.UnlockExpiresAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMonthlySummary(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	classSectionID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("class_section_id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_section_id")
		return
	}
	month, err := attendance.ParseYearMonth(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_month")
		return
	}
	rows, err := s.service.MonthlySummary(r.Context(), tc.TenantID, tc.Caller, classSectionID, month)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleDailyStats serves the day rollup. date defaults to the tenant's
// today; class_section_id narrows it to one class section.
func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	query := r.URL.Query()
	var date time.Time
	if raw := strings.TrimSpace(query.Get("date")); raw != "" {
		parsed, err := attendance.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date")
			return
		}
		date = parsed
	}
	classSectionID := uuid.Nil
	if raw := strings.TrimSpace(query.Get("class_section_id")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_class_section_id")
			return
		}
		classSectionID = parsed
	}
	stats, err := s.service.DailyStats(r.Context(), tc.TenantID, tc.Caller, date, classSectionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	policy, err := s.service.Policy(r.Context(), tc.TenantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	tc := tenantFromContext(r.Context())
	var req policyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validateRequest(req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	policy, err := s.service.UpdatePolicy(r.Context(), tc.TenantID, tc.Caller, attendance.Policy{
		EditWindowHours:       *req.EditWindowHours,
		LockPreviousMonth:     *req.LockPreviousMonth,
		RequireReasonForEdit:  req.RequireReasonForEdit,
		CountUnmarkedAsAbsent: req.CountUnmarkedAsAbsent,
		Timezone:              req.Timezone,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleEnableEmergencyLock(w http.ResponseWriter, r *http.Request) {
	s.setEmergencyLock(w, r, true)
}

func (s *Server) handleDisableEmergencyLock(w http.ResponseWriter, r *http.Request) {
	s.setEmergencyLock(w, r, false)
}

func (s *Server) setEmergencyLock(w http.ResponseWriter, r *http.Request, enabled bool) {
	tc := tenantFromContext(r.Context())
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validateRequest(req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	policy, err := s.service.SetEmergencyLock(r.Context(), tc.TenantID, tc.Caller, enabled, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Warn().Bool("enabled", enabled).Str("reason", req.Reason).Msg("emergency attendance lock changed")
	writeJSON(w, http.StatusOK, policy)
}

func sessionKeyQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, time.Time, bool) {
	query := r.URL.Query()
	classSectionID, err := uuid.Parse(strings.TrimSpace(query.Get("class_section_id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_section_id")
		return uuid.Nil, time.Time{}, false
	}
	date, err := attendance.ParseDate(query.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return uuid.Nil, time.Time{}, false
	}
	return classSectionID, date, true
}

func mapSession(view attendance.SessionView) sessionResponse {
	resp := sessionResponse{
		ID:             view.Session.ID.String(),
		ClassSectionID: view.Session.ClassSectionID.String(),
		Date:           attendance.FormatDate(view.Session.Date),
		MarkedBy:       view.Session.MarkedBy.String(),
		CreatedAt:      formatTime(view.Session.CreatedAt),
		UpdatedAt:      formatTime(view.Session.UpdatedAt),
		Entries:        make([]entryResponse, 0, len(view.Entries)),
	}
	for _, e := range view.Entries {
		resp.Entries = append(resp.Entries, entryResponse{
			ID:        e.ID.String(),
			StudentID: e.StudentID.String(),
			Status:    string(e.Status),
			Remarks:   e.Remarks,
		})
	}
	return resp
}

func mapUnlock(u attendance.Unlock) unlockResponse {
	return unlockResponse{
		ID:             u.ID.String(),
		ClassSectionID: u.ClassSectionID.String(),
		Date:           attendance.FormatDate(u.Date),
		UnlockedBy:     u.UnlockedBy.String(),
		Reason:         u.Reason,
		CreatedAt:      formatTime(u.CreatedAt),
		ExpiresAt:      formatTime(u.ExpiresAt),
	}
}
