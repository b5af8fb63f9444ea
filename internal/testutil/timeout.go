package testutil

import (
	"context"
	"testing"
	"time"
)

// Default timeouts for test operations.
const (
	// DefaultTaskTimeout bounds a whole task run, including worker
	// replacement after a forced interrupt.
	DefaultTaskTimeout = 10 * time.Second

	// DefaultRelayTimeout bounds relay startup and readiness checks.
	DefaultRelayTimeout = 5 * time.Second

	// DefaultTestBuffer is the buffer time subtracted from test deadline
	// to allow for cleanup operations before the test times out.
	DefaultTestBuffer = 2 * time.Second
)

// ContextWithTestDeadline creates a context that respects the test's deadline.
// It subtracts a buffer from the test deadline to allow time for cleanup.
// If the test has no deadline, it falls back to the provided fallback duration.
// The earlier of the two wins.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    ctx, cancel := testutil.ContextWithTestDeadline(t, 5*time.Second)
//	    defer cancel()
//	    // ... test code using ctx
//	}
func ContextWithTestDeadline(t *testing.T, fallback time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadlineBuffer(t, fallback, DefaultTestBuffer)
}

// ContextWithTestDeadlineBuffer creates a context that respects the test's
// deadline with a custom buffer. If the test has no deadline, or the
// adjusted deadline falls after now+fallback, the fallback is used.
func ContextWithTestDeadlineBuffer(t *testing.T, fallback, buffer time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	if deadline, ok := t.Deadline(); ok {
		adjusted := deadline.Add(-buffer)
		remaining := time.Until(adjusted)
		if remaining > 0 && remaining < fallback {
			t.Logf("Using test deadline: %v (buffer: %v)", remaining.Round(time.Millisecond), buffer)
			return context.WithDeadline(context.Background(), adjusted)
		}
	}

	return context.WithTimeout(context.Background(), fallback)
}

// ContextWithTimeout creates a context with the specified timeout.
// This is a convenience wrapper that logs the timeout for debugging.
func ContextWithTimeout(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	t.Logf("Context timeout: %v", timeout)
	return context.WithTimeout(context.Background(), timeout)
}

// TaskContext creates a context for running a task to completion.
func TaskContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadline(t, DefaultTaskTimeout)
}

// RelayContext creates a context for relay startup and readiness checks.
func RelayContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadline(t, DefaultRelayTimeout)
}

// ShortOperationContext creates a context with a one second timeout for
// single channel reads and writes.
func ShortOperationContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadline(t, time.Second)
}
