package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownQueue is returned when enqueueing to a queue that was never added.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrNotFound is returned for job ids the manager does not track.
	ErrNotFound = errors.New("job not found")
	// ErrTimeout is the failure recorded when a job exceeds its queue timeout.
	ErrTimeout = errors.New("job timed out")
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Cause)
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// Permanent wraps err so the job fails terminally without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PanicError is the failure recorded when a handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
