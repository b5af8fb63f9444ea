package testutil

import (
	"testing"
	"time"
)

// AssertReturnsWithin runs fn and fails the test if it has not returned
// within d. Returns the elapsed time.
func AssertReturnsWithin(t *testing.T, d time.Duration, fn func()) time.Duration {
	t.Helper()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		return time.Since(start)
	case <-time.After(d):
		t.Fatalf("did not return within %v", d)
		return d
	}
}

// AssertStillBlocked fails the test if done is closed or receives within d.
func AssertStillBlocked[T any](t *testing.T, d time.Duration, done <-chan T) {
	t.Helper()

	select {
	case <-done:
		t.Fatalf("returned before %v", d)
	case <-time.After(d):
	}
}
