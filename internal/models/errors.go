package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorKindInternal   ErrorKind = "internal"
	ErrorKindExternal   ErrorKind = "external"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindConflict   ErrorKind = "conflict"
)

// AppError is the error type used across the pipeline. Only Message is ever
// shown to an end user; Code and Metadata are for logs.
type AppError struct {
	Kind     ErrorKind
	Code     string
	Message  string
	Cause    error
	Metadata map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on error code, so sentinel comparisons survive WithCause/WithMetadata clones.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && e.Code == t.Code
}

func (e *AppError) WithCause(err error) *AppError {
	clone := *e
	clone.Cause = err
	return &clone
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	clone := *e
	clone.Metadata = make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	clone.Metadata[key] = value
	return &clone
}

func newError(kind ErrorKind, code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message}
}

func NewInternalError(code, message string) *AppError {
	return newError(ErrorKindInternal, code, message)
}

func NewExternalError(code, message string) *AppError {
	return newError(ErrorKindExternal, code, message)
}

func NewTimeoutError(code, message string) *AppError {
	return newError(ErrorKindTimeout, code, message)
}

func NewValidationError(code, message string) *AppError {
	return newError(ErrorKindValidation, code, message)
}

func WrapExternalError(service string, err error) *AppError {
	return NewExternalError(fmt.Sprintf("%s_FAILED", service), fmt.Sprintf("%s call failed", service)).WithCause(err)
}

var (
	// ErrSessionNotFound is recovered locally by starting a fresh session.
	ErrSessionNotFound = newError(ErrorKindNotFound, "SESSION_NOT_FOUND", "session has never been seen")

	// ErrVersionConflict means the stored session moved on since it was loaded.
	ErrVersionConflict = newError(ErrorKindConflict, "VERSION_CONFLICT", "session was modified by another request")

	// ErrCorruptState means the stored session document failed to deserialize.
	ErrCorruptState = newError(ErrorKindInternal, "CORRUPT_STATE", "stored session state is unreadable")

	// ErrUnresolved means user input matched none of the presented options.
	ErrUnresolved = newError(ErrorKindValidation, "UNRESOLVED", "input did not match any presented option")

	ErrClassifierUnavailable = newError(ErrorKindExternal, "CLASSIFIER_UNAVAILABLE", "intent classifier is unavailable")
	ErrClassifierTimeout     = newError(ErrorKindTimeout, "CLASSIFIER_TIMEOUT", "intent classifier timed out")
)

func IsNotFound(err error) bool {
	return hasKind(err, ErrorKindNotFound)
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || hasKind(err, ErrorKindConflict)
}

func IsUnresolved(err error) bool {
	return errors.Is(err, ErrUnresolved)
}

func IsCorruptState(err error) bool {
	return errors.Is(err, ErrCorruptState)
}

func hasKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
