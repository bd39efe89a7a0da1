// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrExpired         = errors.New("expired")
	ErrExhausted       = errors.New("exhausted")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "credit", "exam", "scoring"
	Op      string // Operation that failed, e.g., "TryDebit", "CompleteSection"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching. A DomainError matches its Kind, its
// wrapped error, and any other DomainError with the same Domain and Message
// (so package-level sentinels below keep working after being wrapped).
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok {
		return e.Domain == t.Domain && e.Message == t.Message
	}
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Credit domain errors
var (
	ErrPlanNotFound        = NewDomainError("credit", "Find", ErrNotFound, "plan not found")
	ErrPlanExpired         = NewDomainError("credit", "TryDebit", ErrExpired, "plan expired or inactive")
	ErrInsufficientCredits = NewDomainError("credit", "TryDebit", ErrExhausted, "insufficient credits")
	ErrInvalidAmount       = NewDomainError("credit", "Validate", ErrValueOutOfRange, "credit amount must be positive")
)

// Exam domain errors
var (
	ErrInstanceNotFound   = NewDomainError("exam", "Find", ErrNotFound, "exam instance not found")
	ErrSectionNotFound    = NewDomainError("exam", "FindSection", ErrNotFound, "section not found")
	ErrSectionLocked      = NewDomainError("exam", "Section", ErrInvalidState, "section is locked")
	ErrAlreadyCompleted   = NewDomainError("exam", "Section", ErrAlreadyExists, "section already completed")
	ErrInvalidExamType    = NewDomainError("exam", "Validate", ErrInvalidInput, "invalid exam type")
	ErrInvalidMode        = NewDomainError("exam", "Validate", ErrInvalidInput, "invalid exam mode")
	ErrInvalidTransition  = NewDomainError("exam", "Transition", ErrStateTransition, "invalid exam status transition")
	ErrExamExpired        = NewDomainError("exam", "CheckStatus", ErrExpired, "exam instance expired")
	ErrExamClosed         = NewDomainError("exam", "CheckStatus", ErrInvalidState, "exam instance is closed")
	ErrNothingToFinish    = NewDomainError("exam", "Finish", ErrInvalidState, "no completed sections to finish the session with")
	ErrChargeAlreadyUsed  = NewDomainError("exam", "Abandon", ErrInvalidState, "exam charge already consumed")
	ErrAccessDenied       = NewDomainError("exam", "Authorize", ErrForbidden, "access denied")
	ErrUnauthenticated    = NewDomainError("identity", "Authenticate", ErrUnauthorized, "authentication required")
	ErrConcurrentProgress = NewDomainError("exam", "Save", ErrConcurrentModification, "exam instance was modified concurrently")
)

// Scoring domain errors
var (
	ErrInvalidScore    = NewDomainError("scoring", "Validate", ErrValueOutOfRange, "raw score must be between 0 and max score")
	ErrInvalidMaxScore = NewDomainError("scoring", "Validate", ErrValueOutOfRange, "max score must be positive")
	ErrNoSections      = NewDomainError("scoring", "Aggregate", ErrInvalidInput, "no completed sections to aggregate")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsForbidden checks if the error is an authorization failure.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized)
}

// IsConflict checks if the error reports a state the caller cannot act on right now.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrStateTransition) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrExhausted) ||
		errors.Is(err, ErrConcurrentModification)
}
