// Package channel moves opaque messages from the foreground to a blocked
// worker. Two transports implement the Channel contract: SharedMemory, a
// fixed buffer plus a two-word control block with wait/notify semantics, and
// Relay, a client for the HTTP relay that buffers one message per id and
// answers long-poll reads.
package channel

import (
	"fmt"
	"time"

	"code.hybscloud.com/atomix"
)

// Type identifies a channel transport.
type Type string

const (
	// TypeSharedMemory is the shared buffer transport.
	TypeSharedMemory Type = "shared_memory"
	// TypeRelay is the HTTP relay transport.
	TypeRelay Type = "relay"
)

// DefaultPollInterval is the length of one wait slice. Interrupts are
// sampled between slices, so it bounds interrupt latency for blocked reads.
const DefaultPollInterval = 100 * time.Millisecond

// Channel is a one-directional message path from the foreground to a
// worker. Write never blocks. Read blocks the calling goroutine until a
// message for the id arrives, the timeout elapses, CheckInterrupt reports
// true, or the channel is closed.
type Channel interface {
	ID() string
	Type() Type
	Write(msg Message, messageID string) error
	Read(messageID string, opts ReadOptions) (Message, error)
	Close() error
}

// ReadOptions controls a blocking read.
type ReadOptions struct {
	// Timeout bounds the whole read. Zero means no caller timeout.
	Timeout time.Duration
	// CheckInterrupt is sampled after every wait slice that ends without a
	// message. A true result ends the read with ErrInterrupted.
	CheckInterrupt func() bool
}

func (o ReadOptions) interrupted() bool {
	return o.CheckInterrupt != nil && o.CheckInterrupt()
}

// deadline returns the absolute deadline for the read, or the zero time.
func (o ReadOptions) deadline(start time.Time) time.Time {
	if o.Timeout <= 0 {
		return time.Time{}
	}
	return start.Add(o.Timeout)
}

// slice returns how long the next wait may last: one poll interval, cut
// short by the deadline.
func slice(poll time.Duration, deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return poll
	}
	remaining := time.Until(deadline)
	if remaining < poll {
		return remaining
	}
	return poll
}

// generation numbers every channel created by this process.
var generation atomix.Uint32

func nextID(t Type) string {
	prefix := "shm"
	if t == TypeRelay {
		prefix = "relay"
	}
	return fmt.Sprintf("%s-%d", prefix, generation.Add(1))
}
