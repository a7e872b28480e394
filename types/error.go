package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across AgentRelay.
type ErrorCode string

// Configuration error codes. Fatal at startup.
const (
	ErrConfigInvalid   ErrorCode = "CONFIG_INVALID"
	ErrUnknownPlatform ErrorCode = "UNKNOWN_PLATFORM"
)

// Adapter error codes. Transient, drive breaker state and chain fallback.
const (
	ErrAdapterTimeout  ErrorCode = "ADAPTER_TIMEOUT"
	ErrAdapterFailed   ErrorCode = "ADAPTER_FAILED"
	ErrAdapterNotReady ErrorCode = "ADAPTER_NOT_READY"
	ErrCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
)

// Preservation error codes. Degrade to "no preserved context".
const (
	ErrPreservationFailed ErrorCode = "PRESERVATION_FAILED"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
)

// Terminal error codes.
const (
	ErrChainExhausted ErrorCode = "CHAIN_EXHAUSTED"
)

// API error codes
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Adapter    string    `json:"adapter,omitempty"`
	Cause      error     `json:"-"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// WithAdapter sets the adapter id the error originated from.
func (e *Error) WithAdapter(adapterID string) *Error {
	e.Adapter = adapterID
	return e
}

// AsError extracts *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsFatal reports whether err belongs to the classes that must propagate
// to the top-level caller (configuration errors and chain exhaustion).
func IsFatal(err error) bool {
	switch GetErrorCode(err) {
	case ErrConfigInvalid, ErrUnknownPlatform, ErrChainExhausted:
		return true
	default:
		return false
	}
}
