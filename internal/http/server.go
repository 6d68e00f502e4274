package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"schoolerp/attendance/internal/attendance"
	"schoolerp/attendance/internal/auth"
)

// AttendanceService is the part of attendance.Service the HTTP API drives.
type AttendanceService interface {
	MarkAttendance(ctx context.Context, p attendance.MarkParams) (uuid.UUID, error)
	GetSession(ctx context.Context, tenantID uuid.UUID, caller attendance.Caller, sessionID uuid.UUID) (attendance.SessionView, error)
	FindSession(ctx context.Context, key attendance.SessionKey, caller attendance.Caller) (attendance.SessionView, error)
	EmergencyUnlock(ctx context.Context, p attendance.UnlockParams) (attendance.Unlock, error)
	UnlockSession(ctx context.Context, tenantID, sessionID uuid.UUID, caller attendance.Caller, reason string) (attendance.Unlock, error)
	LockStatus(ctx context.Context, key attendance.SessionKey, caller attendance.Caller) (attendance.LockState, error)
	MonthlySummary(ctx context.Context, tenantID uuid.UUID, caller attendance.Caller, classSectionID uuid.UUID, month attendance.YearMonth) ([]attendance.StudentSummary, error)
	DailyStats(ctx context.Context, tenantID uuid.UUID, caller attendance.Caller, date time.Time, classSectionID uuid.UUID) (attendance.DailyStats, error)
	Policy(ctx context.Context, tenantID uuid.UUID) (attendance.Policy, error)
	UpdatePolicy(ctx context.Context, tenantID uuid.UUID, caller attendance.Caller, policy attendance.Policy) (attendance.Policy, error)
	SetEmergencyLock(ctx context.Context, tenantID uuid.UUID, caller attendance.Caller, enabled bool, reason string) (attendance.Policy, error)
}

var _ AttendanceService = (*attendance.Service)(nil)

type Server struct {
	service  AttendanceService
	verifier *auth.Verifier
}

func NewServer(service AttendanceService, verifier *auth.Verifier) *Server {
	return &Server{service: service, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, requestLogger, metrics, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/attendance", func(r chi.Router) {
		r.Use(s.authMiddleware, s.tenantMiddleware)

		r.Post("/sessions", s.handleMarkAttendance)
		r.Get("/sessions", s.handleFindSession)
		r.Get("/sessions/{sessionId}", s.handleGetSession)
		r.Post("/sessions/{sessionId}/unlock", s.handleUnlockSession)
		r.Post("/unlocks", s.handleCreateUnlock)
		r.Get("/lock-status", s.handleLockStatus)
		r.Get("/summary", s.handleMonthlySummary)
		r.Get("/stats", s.handleDailyStats)
		r.Get("/policy", s.handleGetPolicy)
		r.Put("/policy", s.handlePutPolicy)
		r.Post("/locks/emergency", s.handleEnableEmergencyLock)
		r.Delete("/locks/emergency", s.handleDisableEmergencyLock)
	})

	return r
}

// Auth

type claimsKey struct{}

type tenantKey struct{}

type tenantContext struct {
	TenantID uuid.UUID
	Caller   attendance.Caller
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := s.verifier.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// tenantMiddleware resolves the tenant the request acts on. X-Tenant-ID may
// only differ from the token tenant for platform operators.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		caller, err := callerFromClaims(claims)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		tenantID := uuid.Nil
		if claims.TenantID != "" {
			tenantID, err = uuid.Parse(claims.TenantID)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
		}
		if header := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); header != "" {
			requested, err := uuid.Parse(header)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_tenant")
				return
			}
			if requested != tenantID && caller.Role != attendance.RolePlatformOperator {
				writeError(w, http.StatusForbidden, "tenant_mismatch")
				return
			}
			tenantID = requested
		}
		if tenantID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "tenant_required")
			return
		}

		r = loggerWith(r, map[string]string{
			"tenant_id": tenantID.String(),
			"user_id":   caller.UserID.String(),
		})
		ctx := context.WithValue(r.Context(), tenantKey{}, tenantContext{TenantID: tenantID, Caller: caller})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFromContext(ctx context.Context) tenantContext {
	value, _ := ctx.Value(tenantKey{}).(tenantContext)
	return value
}

func callerFromClaims(claims *auth.Claims) (attendance.Caller, error) {
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return attendance.Caller{}, err
	}
	caller := attendance.Caller{
		UserID:      userID,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}
	if len(claims.ClassSections) > 0 {
		caller.ClassSectionIDs = make([]uuid.UUID, 0, len(claims.ClassSections))
		for _, raw := range claims.ClassSections {
			id, err := uuid.Parse(raw)
			if err != nil {
				return attendance.Caller{}, err
			}
			caller.ClassSectionIDs = append(caller.ClassSectionIDs, id)
		}
	}
	return caller, nil
}

// Errors

// writeServiceError maps domain errors to status codes. Anything unknown is
// logged and reported as server_error.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *attendance.ValidationError
		locked     *attendance.LockedPeriodError
		conflict   *attendance.ConflictError
		notFound   *attendance.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "validation_failed",
			"fields": validation.Fields,
		})
	case errors.As(err, &locked):
		lockedRejections.WithLabelValues(string(locked.Reason)).Inc()
		writeJSON(w, http.StatusLocked, map[string]string{
			"error":  "locked_period",
			"reason": string(locked.Reason),
		})
	case errors.As(err, &conflict):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("attendance conflict")
		writeError(w, http.StatusConflict, "conflict")
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Resource+"_not_found")
	case errors.Is(err, attendance.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request_canceled")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func markOutcome(err error) string {
	var (
		validation *attendance.ValidationError
		conflict   *attendance.ConflictError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &validation):
		return "invalid"
	case errors.Is(err, attendance.ErrForbidden):
		return "forbidden"
	case errors.As(err, &conflict):
		return "conflict"
	}
	if _, ok := attendance.IsLocked(err); ok {
		return "locked"
	}
	return "error"
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
