package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync engine. Callers check them with errors.Is.
var (
	// ErrNotFound is returned when the target message or conversation vanished.
	ErrNotFound = errors.New("requested resource not found")

	// ErrForbidden is returned when the acting user may not perform the operation,
	// e.g. editing someone else's message.
	ErrForbidden = errors.New("operation not permitted")

	// ErrTransient marks retry-eligible failures such as a dropped subscription.
	ErrTransient = errors.New("transient network error")

	// ErrExhaustedPagination is the terminal "no older messages" state. It is a
	// flag surfaced to callers, not a failure.
	ErrExhaustedPagination = errors.New("no older messages")

	// ErrClosed is returned by components whose conversation has been torn down.
	ErrClosed = errors.New("conversation closed")

	// ErrPending is returned when a mutation targets a message still being sent.
	ErrPending = errors.New("message not yet confirmed")

	// ErrInvalidTimestamp is returned for backend datetime values that cannot be read.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrInvalidCursor is returned when an encoded cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// WriteError reports that the backend rejected a send, edit or reaction.
// It is attached to the optimistic entry that caused it rather than raised globally.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: write rejected", e.Op)
	}
	return fmt.Sprintf("%s: write rejected: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// TransientError wraps a retry-eligible failure. errors.Is(err, ErrTransient) holds.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrTransient.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
