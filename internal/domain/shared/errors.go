// Package shared holds the identifiers, error kinds and domain events that
// every domain package of the crisis pipeline uses. It imports nothing
// outside the standard library.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Domain errors carry one of these so callers can branch with
// errors.Is without knowing the concrete error.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	ErrValidation   = errors.New("validation error")
	ErrInvalidID    = errors.New("invalid ID")
	ErrInvalidInput = errors.New("invalid input")
	ErrEmptyValue   = errors.New("value cannot be empty")

	ErrStateTransition  = errors.New("invalid state transition")
	ErrAlreadyProcessed = errors.New("already processed")

	ErrForbidden = errors.New("forbidden")

	// ErrConcurrentModification marks a lost compare-and-swap or guarded save.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError is an error raised by a domain operation.
type DomainError struct {
	Domain  string // "risk", "escalation", "alert"
	Op      string // "Advance", "Accept"
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the cause, or the kind when there is none.
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	return e.Err != nil && errors.Is(e.Err, target)
}

// NewDomainError creates a domain error without a cause.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError creates a domain error around err.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation reports any input error kind.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue)
}

// IsConflict reports errors caused by the current state of an entity
// rather than by the request itself.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStateTransition) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsRetryable reports errors a client may retry unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrConcurrentModification)
}
