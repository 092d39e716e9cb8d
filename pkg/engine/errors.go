// Package engine implements the session/operation orchestration core of the
// fluxfn control plane: the trunk/leaf session state machine, the instance
// commit transaction, the asynchronous operation tracker, and the per-tenant
// concurrency gate.
package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass classifies a control-plane error for status mapping and
// propagation policy.
type ErrorClass string

const (
	// ErrorClassValidation indicates a structurally invalid request (bad step
	// name, ordering violation, missing dependency). Always raised
	// synchronously, before any write.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates a missing entity, session, or operation.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates a duplicate key on create or a version
	// mismatch on update.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassMode indicates an operation attempted on the wrong session
	// variant, e.g. PUT on a trunk.
	ErrorClassMode ErrorClass = "mode"

	// ErrorClassIncomplete indicates a commit attempted before all steps were
	// bound to leaf sessions.
	ErrorClassIncomplete ErrorClass = "incomplete"

	// ErrorClassThrottled indicates admission control rejected the dispatch.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassProvisioning indicates an opaque failure surfaced from the
	// compute provider or a leaf's own error output.
	ErrorClassProvisioning ErrorClass = "provisioning"

	// ErrorClassInternal indicates a corrupt session graph or other
	// unrecoverable inconsistency.
	ErrorClassInternal ErrorClass = "internal"
)

// ControlError is a classified error with entity context.
type ControlError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Status overrides the HTTP-shaped status derived from Class when set.
	Status int `json:"status,omitempty"`

	// Resource is the entity or session id that caused the error, if known.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ControlError) Error() string {
	if e.Resource != "" {
		if e.Err != nil {
			return fmt.Sprintf("[%s] %s (resource=%s): %v", e.Class, e.Message, e.Resource, e.Err)
		}
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, e.Message, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ControlError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *ControlError) Is(target error) bool {
	t, ok := target.(*ControlError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// StatusCode maps the error onto the HTTP-shaped service result surface.
func (e *ControlError) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Class {
	case ErrorClassValidation, ErrorClassMode:
		return http.StatusBadRequest
	case ErrorClassNotFound:
		return http.StatusNotFound
	case ErrorClassConflict:
		return http.StatusConflict
	case ErrorClassThrottled:
		return http.StatusTooManyRequests
	case ErrorClassIncomplete, ErrorClassProvisioning:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WithResource adds entity context to an error.
func (e *ControlError) WithResource(resource string) *ControlError {
	e.Resource = resource
	return e
}

// WithStatus pins an explicit status code onto an error.
func (e *ControlError) WithStatus(status int) *ControlError {
	e.Status = status
	return e
}

// NewValidationError creates a new validation error.
func NewValidationError(format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError creates a new conflict error.
func NewConflictError(format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassConflict, Message: fmt.Sprintf(format, args...)}
}

// NewModeError creates a new wrong-session-variant error.
func NewModeError(format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassMode, Message: fmt.Sprintf(format, args...)}
}

// NewIncompleteError creates a new incomplete-workflow error.
func NewIncompleteError(format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassIncomplete, Message: fmt.Sprintf(format, args...)}
}

// NewThrottledError creates a new admission-control error.
func NewThrottledError(format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassThrottled, Message: fmt.Sprintf(format, args...)}
}

// NewProvisioningError creates a new provisioning error wrapping its cause.
func NewProvisioningError(err error, format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassProvisioning, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewInternalError creates a new internal error wrapping its cause.
func NewInternalError(err error, format string, args ...interface{}) *ControlError {
	return &ControlError{Class: ErrorClassInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	var e *ControlError
	if errors.As(err, &e) {
		return e.Class == ErrorClassNotFound
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *ControlError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	var e *ControlError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsThrottled returns true if the error came from admission control.
func IsThrottled(err error) bool {
	var e *ControlError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// ErrorStatus extracts the HTTP-shaped status from an arbitrary error,
// defaulting to 500 for unclassified failures.
func ErrorStatus(err error) int {
	var e *ControlError
	if errors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}
