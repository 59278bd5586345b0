// Package errors defines the typed error taxonomy shared by every service
// operation. Errors cross the component boundary as *Error values with a
// stable code; callers map codes to transport status and message keys.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure. Codes are stable and role-agnostic.
type Code string

const (
	ErrCodeNotFound         Code = "not_found"
	ErrCodeInvalidState     Code = "invalid_state"
	ErrCodeDuplicateVersion Code = "duplicate_version"
	ErrCodeAlreadyProcessed Code = "already_processed"
	ErrCodeForbidden        Code = "forbidden"
	ErrCodeValidation       Code = "validation"
	ErrCodeInternal         Code = "internal"
)

// Error is the structured error returned by all service operations.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing entity by resource name and identifier.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

// InvalidState reports an operation that is illegal for the entity's
// current lifecycle state.
func InvalidState(message string) *Error {
	return New(ErrCodeInvalidState, message)
}

// DuplicateVersion reports a (test type, version) collision.
func DuplicateVersion(testTypeID, version string) *Error {
	return New(ErrCodeDuplicateVersion,
		fmt.Sprintf("version %q already exists for test type %s", version, testTypeID))
}

// AlreadyProcessed reports a re-decision attempt on a non-pending approval.
func AlreadyProcessed(approvalID string) *Error {
	return New(ErrCodeAlreadyProcessed,
		fmt.Sprintf("approval %s has already been processed", approvalID))
}

// Forbidden reports a failed role or ownership check.
func Forbidden(message string) *Error {
	return New(ErrCodeForbidden, message)
}

// InvalidInput reports malformed input for a named field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeValidation, fmt.Sprintf("%s: %s", field, message))
}

// CodeOf extracts the code from an error, or ErrCodeInternal for
// unstructured errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
