package alarms

import (
	"errors"
	"fmt"
)

// Validation failures. Fatal to the single candidate, never retried.
var (
	ErrUnsupportedType      = errors.New("alarm: unsupported alarm type")
	ErrMissingRequiredField = errors.New("alarm: missing required field")
)

// Expected arbitration rejections. Logged at info and discarded.
var (
	ErrDuplicateAlarm     = errors.New("alarm: duplicate of a recent alarm")
	ErrCoveredByException = errors.New("alarm: covered by exception")
	ErrCoveredByPolicy    = errors.New("alarm: covered by policy")
	ErrCoveredByTrust     = errors.New("alarm: covered by trust")
	ErrRemoteRejected     = errors.New("alarm: rejected by remote arbitration")
)

// Infrastructure and addressing failures.
var (
	ErrQueueUnavailable = errors.New("alarm: creation queue unavailable")
	ErrAlarmNotFound    = errors.New("alarm: not found")
)

// FieldError reports a missing required attribute on a typed alarm.
type FieldError struct {
	Type Type
	Key  string
}

// Error implements error.
func (e *FieldError) Error() string {
	return fmt.Sprintf("alarm: missing required field %q for %s", e.Key, e.Type)
}

// Unwrap makes FieldError match ErrMissingRequiredField.
func (e *FieldError) Unwrap() error {
	return ErrMissingRequiredField
}

// IsExpectedRejection reports whether err is one of the named arbitration
// outcomes the worker logs at info instead of error.
func IsExpectedRejection(err error) bool {
	return errors.Is(err, ErrDuplicateAlarm) ||
		errors.Is(err, ErrCoveredByException) ||
		errors.Is(err, ErrCoveredByPolicy) ||
		errors.Is(err, ErrCoveredByTrust) ||
		errors.Is(err, ErrRemoteRejected)
}
