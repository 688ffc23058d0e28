// Package apperrors defines the error taxonomy shared by every component of
// the fabric (§7 of the specification): a single tagged error type instead of
// ad-hoc sentinel errors scattered across packages.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType tags an AppError with the recovery semantics a caller should apply.
type ErrorType string

const (
	// ErrorTypeTransient means the state store was temporarily unreachable;
	// callers retry with backoff.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeBusy means a lock, port, or bounded buffer is already held/full.
	ErrorTypeBusy ErrorType = "busy"
	// ErrorTypeStale means the operation referenced an expired lease or lock;
	// the caller must re-acquire.
	ErrorTypeStale ErrorType = "stale"
	// ErrorTypeConflict means a task lifecycle transition was rejected because
	// the task is no longer owned by the caller.
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypePaused means a claim was attempted on a paused class, or under
	// emergency stop.
	ErrorTypePaused ErrorType = "paused"
	// ErrorTypeNotFound means an agent/task/resource id is unknown.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTimeout means a request or acquire exceeded its deadline.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInvariantViolation means a script detected a bug; fatal, logged
	// with full context.
	ErrorTypeInvariantViolation ErrorType = "invariant_violation"
	// ErrorTypeValidation means caller-supplied input failed validation.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInternal is the catch-all for anything not otherwise classified.
	ErrorTypeInternal ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeTransient:          http.StatusServiceUnavailable,
	ErrorTypeBusy:               http.StatusConflict,
	ErrorTypeStale:              http.StatusConflict,
	ErrorTypeConflict:           http.StatusConflict,
	ErrorTypePaused:             http.StatusServiceUnavailable,
	ErrorTypeNotFound:           http.StatusNotFound,
	ErrorTypeTimeout:            http.StatusRequestTimeout,
	ErrorTypeInvariantViolation: http.StatusInternalServerError,
	ErrorTypeValidation:         http.StatusBadRequest,
	ErrorTypeInternal:          http.StatusInternalServerError,
}

// AppError is the single error shape crossing every component boundary in
// this module.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusByType[t],
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap wraps an underlying error with a type and message.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails mutates and returns the receiver so call sites can chain it at
// the construction site; see errors_test.go for the "modify in place" contract.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf formats details.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError of the same Type. This lets
// callers write errors.Is(err, apperrors.New(apperrors.ErrorTypeConflict, ""))
// or, more idiomatically, use the Is* helpers below.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return e.Type == other.Type
	}
	return false
}

// Predefined constructors, one per taxonomy entry (§7).

func NewTransientError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeTransient, "state store unreachable during %s", operation)
}

func NewBusyError(resource string) *AppError {
	return Newf(ErrorTypeBusy, "%s is already held", resource)
}

func NewStaleError(resource string) *AppError {
	return Newf(ErrorTypeStale, "%s references an expired lease or lock", resource)
}

func NewConflictError(taskID string) *AppError {
	return Newf(ErrorTypeConflict, "task %s is no longer owned by the calling agent", taskID)
}

func NewPausedError(class string) *AppError {
	if class == "" {
		return New(ErrorTypePaused, "emergency stop is in effect")
	}
	return Newf(ErrorTypePaused, "class %s is paused", class)
}

func NewNotFoundError(kind, id string) *AppError {
	return Newf(ErrorTypeNotFound, "%s %s not found", kind, id)
}

func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "%s exceeded its deadline", operation)
}

func NewInvariantViolation(context string) *AppError {
	return Newf(ErrorTypeInvariantViolation, "invariant violated: %s", context)
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// Is* helpers avoid every call site constructing a throwaway AppError just to
// compare types.

func IsType(err error, t ErrorType) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}

func IsTransient(err error) bool          { return IsType(err, ErrorTypeTransient) }
func IsBusy(err error) bool               { return IsType(err, ErrorTypeBusy) }
func IsStale(err error) bool              { return IsType(err, ErrorTypeStale) }
func IsConflict(err error) bool           { return IsType(err, ErrorTypeConflict) }
func IsPaused(err error) bool             { return IsType(err, ErrorTypePaused) }
func IsNotFound(err error) bool           { return IsType(err, ErrorTypeNotFound) }
func IsTimeout(err error) bool            { return IsType(err, ErrorTypeTimeout) }
func IsInvariantViolation(err error) bool { return IsType(err, ErrorTypeInvariantViolation) }
