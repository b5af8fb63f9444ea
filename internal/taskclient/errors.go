package taskclient

import (
	"errors"
)

var (
	// ErrNotIdle is returned by RunTask while another task is pending.
	ErrNotIdle = errors.New("still running a task")

	// ErrNotAwaitingMessage is returned by WriteMessage unless the task is
	// blocked waiting for input.
	ErrNotAwaitingMessage = errors.New("not waiting for message")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("task client closed")
)

// InterruptError reports that a task was cancelled. It is the expected
// outcome of Interrupt, not a failure.
type InterruptError struct {
	// Forced is true when the worker was terminated.
	Forced bool
	Cause  error
}

func (e *InterruptError) Error() string {
	if e.Forced {
		return "task interrupted: worker terminated"
	}
	return "task interrupted"
}

func (e *InterruptError) Unwrap() error {
	return e.Cause
}

// IsInterrupt reports whether err is or wraps an *InterruptError.
func IsInterrupt(err error) bool {
	var ie *InterruptError
	return errors.As(err, &ie)
}
