package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Engine error codes
const (
	ErrConfig            ErrorCode = "CONFIG_ERROR"
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCommandNotFound   ErrorCode = "COMMAND_NOT_FOUND"
	ErrDuplicateCommand  ErrorCode = "DUPLICATE_COMMAND"
	ErrBridgeUnavailable ErrorCode = "BRIDGE_UNAVAILABLE"
	ErrBridgeTimeout     ErrorCode = "BRIDGE_TIMEOUT"
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrInternalExecution ErrorCode = "INTERNAL_EXECUTION_ERROR"
	// 服务正在关闭，不再接受新请求或连接
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Detail keys carried in Error.Details.
const (
	DetailSuggestions  = "suggestions"
	DetailRetryAfterMS = "retry_after_ms"
	DetailField        = "field"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithDetail attaches a detail value under key.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Suggestion is a ranked alternative proposed when a command cannot be resolved.
type Suggestion struct {
	Command string  `json:"command"`
	Matched string  `json:"matched"`
	Score   float64 `json:"score"`
}

// NewConfigError reports an invalid or unloadable configuration.
func NewConfigError(message string, cause error) *Error {
	return NewError(ErrConfig, message).WithCause(cause)
}

// NewValidationError reports bad caller input. field may be empty.
func NewValidationError(field, message string) *Error {
	err := NewError(ErrValidation, message)
	if field != "" {
		err.WithDetail(DetailField, field)
	}
	return err
}

// NewNotFoundError reports an unresolved command together with ranked suggestions.
func NewNotFoundError(command string, suggestions []Suggestion) *Error {
	if suggestions == nil {
		suggestions = []Suggestion{}
	}
	return NewError(ErrCommandNotFound, fmt.Sprintf("command %q not found", command)).
		WithDetail(DetailSuggestions, suggestions)
}

// NewDuplicateCommandError reports a registration conflict.
func NewDuplicateCommandError(name, owner string) *Error {
	return NewError(ErrDuplicateCommand, fmt.Sprintf("%q is already registered by plugin %q", name, owner))
}

// NewServiceUnavailableError reports that the server is shutting down.
func NewServiceUnavailableError(message string) *Error {
	return NewError(ErrServiceUnavailable, message).WithRetryable(true)
}

// NewBridgeUnavailableError reports that the secondary runtime cannot be reached.
func NewBridgeUnavailableError(message string, cause error) *Error {
	return NewError(ErrBridgeUnavailable, message).WithCause(cause).WithRetryable(true)
}

// NewBridgeTimeoutError reports a bridge call that exceeded its deadline.
func NewBridgeTimeoutError(op string, timeoutMS int64) *Error {
	return NewError(ErrBridgeTimeout, fmt.Sprintf("bridge op %q timed out after %dms", op, timeoutMS)).
		WithRetryable(true)
}

// NewRateLimitExceededError reports a rejected request with a retry hint.
func NewRateLimitExceededError(retryAfterMS int64) *Error {
	return NewError(ErrRateLimitExceeded, "rate limit exceeded").
		WithRetryable(true).
		WithDetail(DetailRetryAfterMS, retryAfterMS)
}

// NewInternalExecutionError wraps an uncaught plugin failure.
func NewInternalExecutionError(cause error) *Error {
	return NewError(ErrInternalExecution, "command execution failed").WithCause(cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// AsError returns the structured error inside err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
