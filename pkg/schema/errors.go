package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeConfig              = "CONFIG_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeQueue               = "QUEUE_ERROR"
	ErrCodeAIParse             = "AI_PARSE_ERROR"
	ErrCodeAISchema            = "AI_SCHEMA_ERROR"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepKey string         `json:"step_key,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepKey != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepKey, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class may succeed on a later delivery.
// Configuration, validation and lookup failures are deterministic and never retried.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeConfig, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeProviderUnavailable, ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step key to the error.
func (e *EngineError) WithStep(stepKey string) *EngineError {
	e.StepKey = stepKey
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
