package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Read when the caller's timeout elapses.
	ErrTimeout = errors.New("channel read timed out")

	// ErrInterrupted is returned by Read when CheckInterrupt reports true.
	ErrInterrupted = errors.New("channel read interrupted")

	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("channel closed")

	// ErrMessageTooLong is returned when an encoded message does not fit
	// the shared buffer.
	ErrMessageTooLong = errors.New("input is too long")

	// ErrUnsupportedPlatform is matched by UnsupportedPlatformError.
	ErrUnsupportedPlatform = errors.New("no synchronous channel transport available")
)

// UnsupportedPlatformError reports that neither transport could be set up.
type UnsupportedPlatformError struct {
	Reason string
}

func (e *UnsupportedPlatformError) Error() string {
	if e.Reason == "" {
		return ErrUnsupportedPlatform.Error()
	}
	return fmt.Sprintf("%s: %s", ErrUnsupportedPlatform, e.Reason)
}

// Is makes errors.Is(err, ErrUnsupportedPlatform) match.
func (e *UnsupportedPlatformError) Is(target error) bool {
	return target == ErrUnsupportedPlatform
}

// RelayError reports that the relay stopped answering or answered with an
// unexpected status.
type RelayError struct {
	Op     string
	Status int
	Err    error
}

func (e *RelayError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("relay %s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("relay %s: unexpected status %d", e.Op, e.Status)
	}
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsRelayError reports whether err is or wraps a *RelayError.
func IsRelayError(err error) bool {
	var re *RelayError
	return errors.As(err, &re)
}
