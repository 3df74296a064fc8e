package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies pipeline failures so callers can decide between
// retrying, suspending the pipe, or surfacing the error to the user.
type ErrorType string

const (
	// ErrTypeSourceUnavailable represents transient source I/O failures
	ErrTypeSourceUnavailable ErrorType = "source_unavailable"
	// ErrTypeFilterConfig represents malformed filter patterns, rejected at activation
	ErrTypeFilterConfig ErrorType = "filter_config"
	// ErrTypeTargetInvocation represents per-payload target failures
	ErrTypeTargetInvocation ErrorType = "target_invocation"
	// ErrTypeAuth represents connection/credential resolution failures
	ErrTypeAuth ErrorType = "authentication"
	// ErrTypeConfig represents bad ARNs, role or kind mismatches
	ErrTypeConfig ErrorType = "config"
	// ErrTypeValidation represents invalid user input
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeNotFound represents missing resources
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeConflict represents state conflicts (duplicate pipe, already running)
	ErrTypeConflict ErrorType = "conflict"
	// ErrTypeInternal represents unexpected internal failures
	ErrTypeInternal ErrorType = "internal"
)

// AppError is the structured error carried through the engine.
type AppError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Transient bool                   `json:"transient,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// SourceUnavailableError creates a transient source read error
func SourceUnavailableError(msg string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeSourceUnavailable,
		Message:   msg,
		Transient: true,
		Cause:     cause,
	}
}

// FilterConfigError creates a malformed-pattern error
func FilterConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeFilterConfig,
		Message: msg,
	}
}

// TargetInvocationError creates a per-payload invocation error.
// transient indicates whether the failure may succeed on retry (5xx, timeout)
// as opposed to a permanent rejection (4xx).
func TargetInvocationError(msg string, transient bool, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeTargetInvocation,
		Message:   msg,
		Transient: transient,
		Cause:     cause,
	}
}

// AuthResolutionError creates a connection resolution error.
// Unreachable store is transient; invalid credentials are permanent.
func AuthResolutionError(msg string, transient bool, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeAuth,
		Message:   msg,
		Transient: transient,
		Cause:     cause,
	}
}

// ConfigError creates a fatal configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// ValidationError creates an input validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// NotFoundError creates a resource-not-found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// ConflictError creates a state conflict error
func ConflictError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConflict,
		Message: msg,
	}
}

// InternalError creates an unexpected internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks whether err (or anything it wraps) is an AppError of the given type
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// IsTransient reports whether err may succeed on retry. Errors that are not
// AppErrors are treated as transient so that unexpected I/O failures get the
// retry budget rather than immediately suspending a pipe.
func IsTransient(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return true
	}
	return appErr.Transient
}

// GetType returns the error type, defaulting to ErrTypeInternal for plain errors
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ErrTypeInternal
	}
	return appErr.Type
}
