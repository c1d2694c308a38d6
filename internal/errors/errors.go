// Package errors provides error code definitions shared across the
// offline-resilience core and its localhost API.
package errors

import "fmt"

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local storage errors (fatal to the triggering operation, never retried)
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync queue errors
	ErrQueueFull        ErrorCode = "QUEUE_FULL"
	ErrEnvelopeNotFound ErrorCode = "ENVELOPE_NOT_FOUND"
	ErrUnknownEntity    ErrorCode = "UNKNOWN_ENTITY_TYPE"
	ErrPushFailed       ErrorCode = "PUSH_FAILED"

	// LAN hub errors
	ErrHubAlreadyActive ErrorCode = "HUB_ALREADY_ACTIVE"
	ErrHubStartFailed   ErrorCode = "HUB_START_FAILED"
	ErrHubNotRunning    ErrorCode = "HUB_NOT_RUNNING"

	// Display channel errors
	ErrChannelClosed ErrorCode = "CHANNEL_CLOSED"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_ERROR"
)

// AppError carries an error code, a human-readable message, and an optional
// wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks if an error carries a specific code. It follows wrapped causes.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		appErr, ok := err.(*AppError)
		if !ok {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
