package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeHandlerFailure    = "HANDLER_FAILURE"
	ErrCodeResolution        = "RESOLUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeSuspendTimeout    = "SUSPEND_TIMEOUT"
	ErrCodeDuplicateClaim    = "DUPLICATE_CLAIM"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeTerminated        = "TERMINATED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNoMatchingBranch  = "NO_MATCHING_BRANCH"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
)

// EngineError is the structured error type for all engine operations.
// Handlers return it through the dispatcher boundary instead of panicking;
// the engine is the sole place that interprets it into retry/catch/terminal
// decisions.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
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

// CodeOf extracts the error code from err, unwrapping as needed.
// Returns the empty string when err carries no EngineError.
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the error code may be retried by policy.
// Resolution errors, validation errors, and terminal codes never retry.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeHandlerFailure, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}
