// Package output carries incremental output from a running task to the
// foreground. The worker produces chunks into a bounded lock-free queue; a
// pump goroutine forwards them to the sink. Once the task settles the stream
// is closed and anything the worker still produces is dropped, so a
// terminated worker cannot write into an unrelated task.
package output

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// Part types.
const (
	TypeStdout      = "stdout"
	TypeStderr      = "stderr"
	TypeInputPrompt = "input_prompt"
	TypeTraceback   = "traceback"
)

// DefaultQueueSize is the number of chunks the queue holds.
const DefaultQueueSize = 64

// Part is one piece of output.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Sink receives output chunks in order, on the pump goroutine.
type Sink func(parts []Part)

// Options configures a Stream.
type Options struct {
	QueueSize int
}

// Stream is the output path for one task. Write must only be called from
// one goroutine at a time.
type Stream struct {
	q    lfq.SPSC[[]Part]
	slot []Part
	sink Sink

	running atomic.Bool

	// mu orders delivery between the pump and Release.
	mu   sync.Mutex
	held bool
	hold []Part

	wake      chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewStream starts a stream delivering to sink.
func NewStream(sink Sink, opts Options) *Stream {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if sink == nil {
		sink = func([]Part) {}
	}
	s := &Stream{
		sink:    sink,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.q.Init(opts.QueueSize)
	s.running.Store(true)
	go s.pump()
	return s
}

// Write queues parts for delivery. It reports false when the stream has
// already been closed and the parts were dropped.
func (s *Stream) Write(parts ...Part) bool {
	if !s.running.Load() {
		s.dropped.Add(int64(len(parts)))
		return false
	}
	if len(parts) == 0 {
		return true
	}

	s.slot = append([]Part(nil), parts...)
	var bo iox.Backoff
	for {
		err := s.q.Enqueue(&s.slot)
		if err == nil {
			break
		}
		if !iox.IsWouldBlock(err) || !s.running.Load() {
			s.dropped.Add(int64(len(parts)))
			return false
		}
		bo.Wait()
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Stdout is shorthand for writing a stdout part.
func (s *Stream) Stdout(text string) bool {
	return s.Write(Part{Type: TypeStdout, Text: text})
}

func (s *Stream) pump() {
	defer close(s.done)
	for {
		s.drain()
		select {
		case <-s.wake:
		case <-s.closing:
			s.drain()
			return
		}
	}
}

func (s *Stream) drain() {
	for {
		parts, err := s.q.Dequeue()
		if err != nil {
			return
		}
		s.deliver(parts)
	}
}

func (s *Stream) deliver(parts []Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		s.hold = append(s.hold, parts...)
		return
	}
	s.sink(parts)
}

// Hold buffers output instead of delivering it until Release.
func (s *Stream) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = true
}

// Release delivers held output in order and resumes direct delivery.
func (s *Stream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	if len(s.hold) > 0 {
		parts := s.hold
		s.hold = nil
		s.sink(parts)
	}
}

// Close stops accepting output, delivers what was queued before it, and
// waits for the pump to finish. Held output stays held until Release.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.running.Store(false)
		close(s.closing)
	})
	<-s.done
}

// Running reports whether the stream still accepts output.
func (s *Stream) Running() bool {
	return s.running.Load()
}

// Dropped returns how many parts were discarded after Close.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
