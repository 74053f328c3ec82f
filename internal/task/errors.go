package task

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrTransient         = errors.New("transient failure")
	ErrPermanent         = errors.New("permanent failure")
	ErrTimeout           = errors.New("task timeout exceeded")
	ErrNotFound          = errors.New("not found")
	ErrCancelled         = errors.New("task cancelled")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrAlreadyTerminal   = errors.New("task already terminal")
	ErrLeaseLost         = errors.New("lease no longer held")
	ErrUnknownKind       = errors.New("unknown task kind")
	ErrNotRetryable      = errors.New("task cannot be retried")
)

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Unavailable wraps a storage error surfaced by a broker or result store.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
}

// Retryable reports whether a handler error should cause a requeue.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, ErrCancelled):
		return false
	}
	return true
}
