/*
errors.go - Centralized error types for the accrual engine

PURPOSE:
  All error kinds in one place. Callers classify with errors.Is against the
  sentinels, or errors.As against the structured types when they need detail.

ERROR CATEGORIES:
  1. Validation     - caller input violates a business rule (400)
  2. Not found      - unknown line/submission/assignment/rule id (404)
  3. Transition     - entity is not in a state that allows the action (409)
  4. Malformed      - unparsable date or month label (recovered locally by
                      read paths, rejected by write paths)

PERSISTENCE WARNINGS:
  Background cache writes and audit appends never produce errors for the
  caller. They are logged at warn level and dropped.

SEE ALSO:
  - calendar.go: MalformedInputError producers
  - workflow.go: TransitionError producers
  - api/handlers.go: HTTP status mapping
*/
package accrual

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the root of every NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrMalformedInput is returned for unparsable dates and month labels.
	ErrMalformedInput = errors.New("malformed input")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the entity's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateAssignment is returned when a user already holds an active
	// assignment on the same line.
	ErrDuplicateAssignment = errors.New("duplicate active assignment")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Validation codes.
const (
	CodeNegativeTrueUp         = "negative_true_up"
	CodeNegativeFinalProvision = "negative_final_provision"
	CodeMissingComment         = "missing_comment"
	CodeMissingApprovers       = "missing_approvers"
	CodeMissingLines           = "missing_lines"
	CodeMissingDates           = "missing_dates"
	CodeMissingResponse        = "missing_response"
	CodeMissingSubmission      = "missing_submission"
	CodeInvalidPercent         = "invalid_percent"
	CodeInvalidMonth           = "invalid_month"
	CodeInvalidCategory        = "invalid_category"
	CodeInvalidRule            = "invalid_rule"
	CodeInvalidAmount          = "invalid_amount"
	CodeMissingTitle           = "missing_title"
)

// ValidationError is surfaced to the caller verbatim and never retried.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidation(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the kind of entity that could not be found.
type NotFoundError struct {
	Kind string // "po_line", "submission", "assignment", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// MalformedInputError describes input that could not be parsed.
type MalformedInputError struct {
	Kind string // "date" or "processing_month"
	Raw  string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed %s: %q", e.Kind, e.Raw)
}

func (e *MalformedInputError) Unwrap() error {
	return ErrMalformedInput
}

// TransitionError reports an action attempted from a status that does not
// allow it.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %q in status %s", e.Action, e.Entity, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMalformedInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateAssignment)
}
