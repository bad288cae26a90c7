package regimen

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; use errors.As on the typed errors for details.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid dose transition")
	ErrConsistency       = errors.New("consistency violation")

	// ErrVersionConflict is returned by a Store when the stored version moved underneath an update.
	ErrVersionConflict = errors.New("regimen version conflict")
)

// ValidationError describes a malformed definition or edit.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing schedule or dose index.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionReason names why a dose cannot change state.
type TransitionReason string

const (
	AlreadyTaken   TransitionReason = "already taken"
	AlreadyMissed  TransitionReason = "already missed"
	AlreadySkipped TransitionReason = "already skipped"
)

// InvalidTransitionError is returned when a resolved dose is acted on again.
type InvalidTransitionError struct {
	Index  int
	Reason TransitionReason
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("dose at index %d is %s", e.Index, e.Reason)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ConsistencyError describes a self-healed invariant violation, such as a missed-dose
// record pointing at an event that no longer exists. These are logged, not returned.
// Index is the reminder index the record referred to.
type ConsistencyError struct {
	Index  int
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("missed dose record for reminder %d: %s", e.Index, e.Reason)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }
