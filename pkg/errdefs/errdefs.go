package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying collaborator and configuration failures.
// Callers wrap these with %w and classify with the Is* predicates.
var (
	// ErrTransient marks a network-level or timeout failure that is safe to
	// retry with backoff
	ErrTransient = errors.New("transient collaborator error")

	// ErrConflict marks an operation that already happened, such as deleting
	// an instance the platform no longer knows. Treated as success.
	ErrConflict = errors.New("conflict")

	// ErrExhausted marks an operation whose retry budget is spent. The
	// instance involved stays in a safe lifecycle state and an alert is
	// raised; it is never silently dropped from accounting.
	ErrExhausted = errors.New("retries exhausted")

	// ErrConfiguration marks invalid configuration, rejected before any
	// partial application
	ErrConfiguration = errors.New("invalid configuration")
)

// Transient wraps err as a retryable failure
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Conflict wraps err as an already-done operation
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConflict, err)
}

// Exhausted wraps err after the retry budget is spent
func Exhausted(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrExhausted, err)
}

// Configuration returns a configuration error with the given detail
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func IsTransient(err error) bool     { return errors.Is(err, ErrTransient) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsExhausted(err error) bool     { return errors.Is(err, ErrExhausted) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
