package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/thruflo/comsync/internal/logging"
)

// DefaultBufferSize is the shared data buffer size.
const DefaultBufferSize = 128 * 1024

// Control block word indices.
const (
	ctrlLength = 0
	ctrlReady  = 1
)

type waitResult int

const (
	waitOK waitResult = iota
	waitNotEqual
	waitTimedOut
)

// SharedMemoryOptions configures a SharedMemory channel.
type SharedMemoryOptions struct {
	BufferSize   int
	PollInterval time.Duration
	Logger       *logging.Logger
}

// SharedMemory is a channel over a fixed byte buffer and a two-word control
// block. Word 0 holds the payload length, word 1 is the ready flag. A write
// fills the buffer, publishes the length, sets ready and notifies; a read
// waits on ready in poll-interval slices, consumes the payload and clears
// ready.
type SharedMemory struct {
	id   string
	data []byte
	ctrl [2]atomic.Int32
	poll time.Duration
	log  *logging.Logger

	// mu serializes access to data between a writer and the reader.
	mu sync.Mutex

	// wake carries notify(ctrlReady) to a waiting reader.
	wake chan struct{}

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewSharedMemory allocates a shared memory channel.
func NewSharedMemory(opts SharedMemoryOptions) *SharedMemory {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	id := nextID(TypeSharedMemory)
	if opts.Logger == nil {
		opts.Logger = logging.With("component", "channel")
	}
	return &SharedMemory{
		id:   id,
		data: make([]byte, opts.BufferSize),
		poll: opts.PollInterval,
		log:  opts.Logger.With("channel", id),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// SharedMemorySupported reports whether shared memory channels can be used
// in this process. Foreground and workers share an address space, so they
// always can.
func SharedMemorySupported() bool {
	return true
}

func (c *SharedMemory) ID() string { return c.id }

func (c *SharedMemory) Type() Type { return TypeSharedMemory }

// BufferSize returns the capacity of the data buffer in bytes.
func (c *SharedMemory) BufferSize() int { return len(c.data) }

// Write publishes msg for messageID. A payload already waiting is
// overwritten.
func (c *SharedMemory) Write(msg Message, messageID string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := encode(msg, messageID)
	if err != nil {
		return err
	}
	if len(payload) > len(c.data) {
		return ErrMessageTooLong
	}

	c.mu.Lock()
	copy(c.data, payload)
	c.ctrl[ctrlLength].Store(int32(len(payload)))
	c.ctrl[ctrlReady].Store(1)
	c.mu.Unlock()

	c.notify(ctrlReady)
	c.log.Debug("message written", "message_id", messageID, "bytes", len(payload))
	return nil
}

// Read blocks until a payload for messageID is ready. Payloads carrying a
// different id belong to an abandoned wait and are consumed and dropped.
func (c *SharedMemory) Read(messageID string, opts ReadOptions) (Message, error) {
	deadline := opts.deadline(time.Now())

	for {
		if c.closed.Load() {
			return Message{}, ErrClosed
		}

		if c.ctrl[ctrlReady].Load() == 0 {
			if c.wait(ctrlReady, 0, slice(c.poll, deadline)) != waitTimedOut {
				continue
			}
			if c.closed.Load() {
				return Message{}, ErrClosed
			}
			if opts.interrupted() {
				return Message{}, ErrInterrupted
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return Message{}, ErrTimeout
			}
			continue
		}

		payload := c.consume()
		env, err := decode(payload)
		if err != nil {
			return Message{}, err
		}
		if env.ID != messageID {
			c.log.Debug("discarding stale message", "message_id", env.ID, "waiting_for", messageID)
			continue
		}
		return env.message(), nil
	}
}

// consume takes the current payload and clears the ready flag.
func (c *SharedMemory) consume() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := c.ctrl[ctrlLength].Swap(0)
	payload := make([]byte, size)
	copy(payload, c.data[:size])
	c.ctrl[ctrlReady].Store(0)
	return payload
}

// wait blocks while word index holds expected, for at most d or until
// notified.
func (c *SharedMemory) wait(index int, expected int32, d time.Duration) waitResult {
	if c.ctrl[index].Load() != expected {
		return waitNotEqual
	}
	if d <= 0 {
		return waitTimedOut
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.wake:
		return waitOK
	case <-c.done:
		return waitOK
	case <-timer.C:
		return waitTimedOut
	}
}

// notify wakes one waiter. A notify with no waiter is remembered once, so
// the wait that follows returns immediately and re-checks the word.
func (c *SharedMemory) notify(int) {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close releases waiting readers. Later reads and writes fail with
// ErrClosed.
func (c *SharedMemory) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}
