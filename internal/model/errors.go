package model

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any state mutation.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// TransientStoreError marks a durable-store failure as retryable by the
// caller. The event was not aggregated and must be resubmitted.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("event store unavailable during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// CapacityError signals a bounded structure at its hard limit. Callers
// degrade by evicting per policy; this is never fatal.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s at capacity (%d)", e.Resource, e.Limit)
}

// ErrStateConflict would indicate a violated single-writer discipline. It
// is a programming defect, not a user-facing condition.
var ErrStateConflict = errors.New("concurrent update conflict")

// ErrNotFound is returned for lookups of unknown anomalies.
var ErrNotFound = errors.New("not found")

// IsValidation reports whether err is an input rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}
