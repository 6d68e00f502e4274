package attendance

import (
	"errors"
	"fmt"
	"strings"
)

// ErrForbidden is returned when the capability check rejects the caller.
var ErrForbidden = errors.New("forbidden")

// FieldError is used to indicate an error with a specific input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(fields ...FieldError) error {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type LockReason string

const (
	LockEmergency     LockReason = "emergency_lock"
	LockMonth         LockReason = "month_locked"
	LockWindowExpired LockReason = "window_expired"
)

// LockedPeriodError means the locking policy refused the mutation. It is a
// decision, not a transient fault.
type LockedPeriodError struct {
	Reason LockReason
}

func (e *LockedPeriodError) Error() string {
	return fmt.Sprintf("attendance period locked: %s", e.Reason)
}

// ConflictError wraps a uniqueness violation that escaped the upsert path.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("attendance conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

func IsLocked(err error) (LockReason, bool) {
	var locked *LockedPeriodError
	if errors.As(err, &locked) {
		return locked.Reason, true
	}
	return "", false
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
