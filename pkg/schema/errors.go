package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeSignalFailed      = "SIGNAL_FAILED"
	ErrCodeStore             = "STORE_ERROR"
)

// LoomError is the structured error type for all engine and registry operations.
type LoomError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *LoomError) Error() string {
	switch {
	case e.InstanceID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] instance %s step %s: %s", e.Code, e.InstanceID, e.StepID, e.Message)
	case e.InstanceID != "":
		return fmt.Sprintf("[%s] instance %s: %s", e.Code, e.InstanceID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithInstance attaches an instance ID to the error.
func (e *LoomError) WithInstance(instanceID string) *LoomError {
	e.InstanceID = instanceID
	return e
}

// WithStep attaches a step ID to the error.
func (e *LoomError) WithStep(stepID string) *LoomError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}

// CodeOf returns the LoomError code carried by err, or "" if err is not a LoomError.
func CodeOf(err error) string {
	var le *LoomError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsInvalidTransition reports whether err is an INVALID_TRANSITION error.
func IsInvalidTransition(err error) bool {
	return CodeOf(err) == ErrCodeInvalidTransition
}

// IsDefinitionError reports whether err is a DEFINITION_ERROR.
func IsDefinitionError(err error) bool {
	return CodeOf(err) == ErrCodeDefinition
}

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}
