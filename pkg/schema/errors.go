package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodePlanner           = "PLANNER_ERROR"
	ErrCodeCluster           = "CLUSTER_ERROR"
	ErrCodeDecision          = "DECISION_ERROR"
)

// ArcError is the structured error type for all arc operations.
type ArcError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ArcError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ArcError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ArcError.
func NewError(code, message string) *ArcError {
	return &ArcError{Code: code, Message: message}
}

// NewErrorf creates a new ArcError with a formatted message.
func NewErrorf(code, format string, args ...any) *ArcError {
	return &ArcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step id to the error.
func (e *ArcError) WithStep(step string) *ArcError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *ArcError) WithCause(err error) *ArcError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ArcError) WithDetails(details map[string]any) *ArcError {
	e.Details = details
	return e
}
