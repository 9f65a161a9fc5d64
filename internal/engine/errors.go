package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a VM does not exist (any more).
var ErrNotFound = errors.New("instance not found")

// TransientError marks a failure that may succeed elsewhere or later:
// throttling, capacity shortage in one availability zone, network
// trouble, per-call timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure retrying cannot fix: rejected credentials,
// missing image, exhausted account quota.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a *TransientError.
func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// Fatal wraps err as a *FatalError.
func Fatal(op string, err error) error { return &FatalError{Op: op, Err: err} }

// IsFatal reports whether err is, or wraps, a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err should be retried.  Anything that is
// not explicitly fatal counts, including timeouts and cancellation of a
// single call.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return true
}

// IsTimeout reports whether err came from a per-call deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
