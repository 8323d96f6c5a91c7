package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeContractViolation = "CONTRACT_VIOLATION"
)

// ChanopsError is the structured error type for all chanops operations that
// report failures through error values (persistence, expressions, tooling).
type ChanopsError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Channel string         `json:"channel,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChanopsError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("[%s] channel %s: %s", e.Code, e.Channel, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChanopsError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChanopsError.
func NewError(code, message string) *ChanopsError {
	return &ChanopsError{Code: code, Message: message}
}

// NewErrorf creates a new ChanopsError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChanopsError {
	return &ChanopsError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithChannel attaches a channel path to the error.
func (e *ChanopsError) WithChannel(path string) *ChanopsError {
	e.Channel = path
	return e
}

// WithCause attaches an underlying cause.
func (e *ChanopsError) WithCause(err error) *ChanopsError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChanopsError) WithDetails(details map[string]any) *ChanopsError {
	e.Details = details
	return e
}

// AsError returns the first ChanopsError in err's chain.
func AsError(err error) (*ChanopsError, bool) {
	var ce *ChanopsError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
