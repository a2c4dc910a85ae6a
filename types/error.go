package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the core.
type ErrorCode string

// Execution error codes
const (
	ErrNotFound              ErrorCode = "NOT_FOUND"
	ErrInvalidState          ErrorCode = "INVALID_STATE"
	ErrToolNotAllowed        ErrorCode = "TOOL_NOT_ALLOWED"
	ErrSafetyBlocked         ErrorCode = "SAFETY_BLOCKED"
	ErrPhaseExecutionFailure ErrorCode = "PHASE_EXECUTION_FAILURE"
	ErrRateLimited           ErrorCode = "RATE_LIMITED"
)

// Infrastructure error codes
const (
	ErrIntegrity         ErrorCode = "INTEGRITY_ERROR"
	ErrTransientDispatch ErrorCode = "TRANSIENT_DISPATCH"
	ErrCacheFailure      ErrorCode = "CACHE_FAILURE"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
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

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, types.NewError(types.ErrNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
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

// AsError extracts a *Error from an error chain.
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

// IsNotFound is shorthand for IsErrorCode(err, ErrNotFound).
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrNotFound)
}

// HTTPStatusFor maps an error code to an HTTP status.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidState:
		return http.StatusConflict
	case ErrInvalidRequest, ErrToolNotAllowed:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrSafetyBlocked:
		return http.StatusUnprocessableEntity
	case ErrTransientDispatch, ErrCacheFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 常用错误构造
// =============================================================================

// NewNotFoundError 资源不存在
func NewNotFoundError(kind, id string) *Error {
	return Errorf(ErrNotFound, "%s not found: %s", kind, id)
}

// NewInvalidStateError 状态不允许该操作
func NewInvalidStateError(op string, status ExecutionStatus) *Error {
	return Errorf(ErrInvalidState, "cannot %s execution in status %s", op, status)
}

// NewIntegrityError 校验和不匹配，不可重试
func NewIntegrityError(artifactID, expected, actual string) *Error {
	return Errorf(ErrIntegrity, "checksum mismatch for artifact %s: expected %s, got %s",
		artifactID, expected, actual).WithRetryable(false)
}

// NewToolNotAllowedError 工具不在 Agent 白名单内
func NewToolNotAllowedError(tool, agentID string) *Error {
	return Errorf(ErrToolNotAllowed, "tool %q is not allowed for agent %s", tool, agentID)
}
