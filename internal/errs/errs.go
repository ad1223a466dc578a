// Package errs holds the error taxonomy shared by the matching core.
//
// Each kind has a sentinel for errors.Is checks and a struct carrying the
// details, which unwraps to the sentinel.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError reports an operation the request's current status forbids.
type InvalidStateError struct {
	RequestID string
	Status    string
	Op        string
}

func NewInvalidState(requestID, status, op string) *InvalidStateError {
	return &InvalidStateError{RequestID: requestID, Status: status, Op: op}
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s request %s in status %s", e.Op, e.RequestID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ValidationError reports a malformed inbound payload field.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Kind names the taxonomy bucket of err for logs and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "error"
	}
}
