package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeCycle             = "CYCLIC_DEPENDENCY"
	ErrCodeUnresolvedVar     = "UNRESOLVED_VARIABLE"
	ErrCodeInvalidCondition  = "INVALID_CONDITION"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodeExtraction        = "EXTRACTION_ERROR"
	ErrCodeCheckpointIO      = "CHECKPOINT_IO_ERROR"
	ErrCodeModel             = "MODEL_ERROR"
	ErrCodeTemplate          = "TEMPLATE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeSchedule          = "SCHEDULE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// LoomError is the structured error type for all loom operations.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
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

// AsError extracts a *LoomError from an error chain.
func AsError(err error) (*LoomError, bool) {
	var le *LoomError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsCode reports whether err carries the given loom error code.
func IsCode(err error, code string) bool {
	le, ok := AsError(err)
	return ok && le.Code == code
}
