/*
errors.go - Centralized error types for the production engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Entities return these errors synchronously; the orchestrator decides
  whether a failure is client feedback or a server fault.

ERROR CATEGORIES:
  1. Validation errors - Schema and business rule violations on construction
  2. Transition errors - Guard failures on state machine transitions
  3. Collection errors - Duplicates, conflicts, missing items, bad indexes
  4. Store errors      - Persistence level failures

USAGE:
  Callers match on sentinels, or unwrap the structured error for details:

    if errors.Is(err, generic.ErrInvalidTransition) {
        var te *generic.TransitionError
        errors.As(err, &te)
        // te.Status is the state the entity was in
    }

SEE ALSO:
  - production/schemas.go: Produces ValidationError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSchemaValidation is returned when data fails structural constraints
	// (negative quantity, malformed identifier, unknown enum value).
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrBusinessRule is returned when structurally valid data violates a
	// cross-field invariant (mass balance, time ordering, duplicates).
	ErrBusinessRule = errors.New("business rule violation")

	// ErrInvalidTransition is returned when a transition guard fails.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSequencing is returned when a step is added while another is open.
	ErrSequencing = errors.New("sequencing violation")

	// ErrDuplicate is returned when an append would duplicate a unique member.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrConflict is returned when an append would overlap an open operation.
	ErrConflict = errors.New("conflicting state")

	// ErrNotFound is returned when a referenced member of an entity is missing.
	ErrNotFound = errors.New("not found")

	// ErrIndexOutOfRange is returned when a step index does not exist.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrAlreadyEnded is returned when ending something that already ended.
	ErrAlreadyEnded = errors.New("already ended")

	// ErrEntityNotFound is returned by stores when a record doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDuplicateKey is returned by stores when a natural or unique key is taken.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrCorruptSnapshot is returned when a stored snapshot no longer passes
	// validation. This is a server fault, not client input.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Issue is a single field-level validation finding.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// ValidationError lists every issue found in one validation pass.
// Kind is ErrSchemaValidation or ErrBusinessRule.
type ValidationError struct {
	Entity string
	Kind   error
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("%s: %v: %s", e.Entity, e.Kind, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// TransitionError identifies the attempted transition and the current status.
type TransitionError struct {
	Entity     string
	Transition string
	Status     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s while %s", e.Transition, e.Entity, e.Status)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// SequencingError reports the open step that blocks a new one.
type SequencingError struct {
	Entity    string
	OpenIndex int
}

func (e *SequencingError) Error() string {
	return fmt.Sprintf("%s: step %d is still open, end it before adding another", e.Entity, e.OpenIndex)
}

func (e *SequencingError) Unwrap() error {
	return ErrSequencing
}

// DuplicateError reports the field and value that already exist.
type DuplicateError struct {
	Entity string
	Field  string
	Value  string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: %s %q already present", e.Entity, e.Field, e.Value)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// ConflictError reports which member blocks the operation.
type ConflictError struct {
	Entity  string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Entity, e.Message)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// NotFoundError reports a missing member of an entity.
type NotFoundError struct {
	Entity string
	What   string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q not found", e.Entity, e.What, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IndexError reports an out-of-range index.
type IndexError struct {
	Entity string
	Index  int
	Len    int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: index %d out of range [0,%d)", e.Entity, e.Index, e.Len)
}

func (e *IndexError) Unwrap() error {
	return ErrIndexOutOfRange
}

// AlreadyEndedError reports a step or sequence that was ended before.
type AlreadyEndedError struct {
	Entity string
	What   string
	ID     string
}

func (e *AlreadyEndedError) Error() string {
	return fmt.Sprintf("%s: %s %s already ended", e.Entity, e.What, e.ID)
}

func (e *AlreadyEndedError) Unwrap() error {
	return ErrAlreadyEnded
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSchemaValidation) ||
		errors.Is(err, ErrBusinessRule) ||
		errors.Is(err, ErrIndexOutOfRange)
}

// IsConflict returns true if the request is valid but clashes with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSequencing) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyEnded) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrNotFound)
}
