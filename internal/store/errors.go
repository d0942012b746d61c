package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store operations. Callers branch on these with
// errors.Is to distinguish "fix your input" failures from retryable ones.
var (
	// ErrNotFound indicates the requested project/feature pair does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a claim race: the feature is already claimed,
	// already completed, or no longer ready. Callers should re-poll the ready
	// set rather than retry the same claim.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates malformed input such as a self-dependency,
	// a duplicate dependency, or a reference to a nonexistent feature.
	ErrValidation = errors.New("validation failed")
)

// notFoundf wraps ErrNotFound with a formatted detail message.
func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// conflictf wraps ErrConflict with a formatted detail message.
func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// validationf wraps ErrValidation with a formatted detail message.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
