// Package commserr defines the error taxonomy shared by the communication substrate.
package commserr

import (
	"errors"
	"fmt"
)

// Error codes. Callers branch on the code, never on the message text.
const (
	CodeConfiguration       = "CONFIGURATION_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeHandlerFailure      = "HANDLER_FAILURE"
	CodeSecurity            = "SECURITY_ERROR"
	CodeVersionIncompatible = "VERSION_INCOMPATIBLE"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeNotFound            = "NOT_FOUND"
	CodeVersionConflict     = "VERSION_CONFLICT"
	CodeQueueFull           = "QUEUE_FULL"
	CodeShutdown            = "SHUTDOWN"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is a structured error carrying a category code.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that keeps cause reachable through errors.Is / errors.As.
func Wrap(code string, cause error, message string) *Error {
	if cause != nil && message == "" {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns a copy of e with details attached.
func (e *Error) WithDetails(details interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a caller may reasonably retry after err.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeCircuitOpen, CodeQueueFull, CodeInternal, CodeHandlerFailure:
		return true
	default:
		return false
	}
}

// Configuration is shorthand for a CONFIGURATION_ERROR.
func Configuration(format string, args ...interface{}) *Error {
	return Newf(CodeConfiguration, format, args...)
}

// Security is shorthand for a SECURITY_ERROR.
func Security(format string, args ...interface{}) *Error {
	return Newf(CodeSecurity, format, args...)
}

// InvalidArgument is shorthand for an INVALID_ARGUMENT error.
func InvalidArgument(format string, args ...interface{}) *Error {
	return Newf(CodeInvalidArgument, format, args...)
}

// NotFound is shorthand for a NOT_FOUND error.
func NotFound(format string, args ...interface{}) *Error {
	return Newf(CodeNotFound, format, args...)
}
