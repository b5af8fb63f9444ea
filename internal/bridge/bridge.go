// Package bridge gives a synchronous interpreter blocking primitives backed
// by a channel. Every blocking call announces a fresh message id to the
// foreground, blocks in Channel.Read for that id, then reports that it has
// resumed. Transport failures come back as an Outcome instead of crossing
// the interpreter boundary as panics.
package bridge

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/interrupt"
	"github.com/thruflo/comsync/internal/logging"
)

// ErrNoChannel is returned when the worker was started without a channel.
var ErrNoChannel = errors.New("no channel available")

// Kind says why a message id was announced.
type Kind string

const (
	// KindInput means the worker is waiting for user input.
	KindInput Kind = "input"
	// KindSleep means the worker is sleeping and can be woken early.
	KindSleep Kind = "sleep"
	// KindResumed means the wait for the id has ended.
	KindResumed Kind = "resumed"
)

// Request is sent to the foreground around every blocking read.
type Request struct {
	MessageID string
	Kind      Kind
	Prompt    string
	Duration  time.Duration
}

// NotifyFunc delivers a Request to the foreground. It must not block.
type NotifyFunc func(Request)

// Options configures a Bridge.
type Options struct {
	Channel   channel.Channel
	Notify    NotifyFunc
	Interrupt *interrupt.Buffer
	// NewID overrides message id generation.
	NewID  func() string
	Logger *logging.Logger
}

// Bridge is the worker side of the blocking exchange for one task.
type Bridge struct {
	channel   channel.Channel
	notify    NotifyFunc
	interrupt *interrupt.Buffer
	newID     func() string
	log       *logging.Logger
}

// New creates a bridge.
func New(opts Options) *Bridge {
	b := &Bridge{
		channel:   opts.Channel,
		notify:    opts.Notify,
		interrupt: opts.Interrupt,
		newID:     opts.NewID,
		log:       opts.Logger,
	}
	if b.notify == nil {
		b.notify = func(Request) {}
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	if b.log == nil {
		b.log = logging.With("component", "bridge")
	}
	return b
}

// Channel returns the channel the bridge reads from, or nil.
func (b *Bridge) Channel() channel.Channel {
	return b.channel
}

// ReadMessage announces an input wait and blocks until the foreground
// writes a value. An interrupt, whether written to the id or set in the
// interrupt buffer, returns channel.ErrInterrupted.
func (b *Bridge) ReadMessage(prompt string) (string, error) {
	msg, err := b.wait(Request{Kind: KindInput, Prompt: prompt}, 0)
	if err != nil {
		return "", err
	}
	if msg.Interrupted {
		return "", channel.ErrInterrupted
	}
	return msg.Text, nil
}

// SyncSleep blocks for d. The foreground can cut the sleep short by
// interrupting, in which case channel.ErrInterrupted is returned.
func (b *Bridge) SyncSleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	msg, err := b.wait(Request{Kind: KindSleep, Duration: d}, d)
	if errors.Is(err, channel.ErrTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Interrupted {
		return channel.ErrInterrupted
	}
	// A value written to a sleep id only ends the sleep early.
	return nil
}

func (b *Bridge) wait(req Request, timeout time.Duration) (channel.Message, error) {
	if b.channel == nil {
		return channel.Message{}, ErrNoChannel
	}

	req.MessageID = b.newID()
	b.notify(req)
	defer b.notify(Request{MessageID: req.MessageID, Kind: KindResumed})

	b.log.Debug("waiting", "message_id", req.MessageID, "kind", string(req.Kind))
	opts := channel.ReadOptions{Timeout: timeout}
	if b.interrupt != nil {
		opts.CheckInterrupt = b.interrupt.Check
	}
	return b.channel.Read(req.MessageID, opts)
}

// Input is ReadMessage for an interpreter: the value gets a trailing
// newline, as line input would, and failures become outcomes.
func (b *Bridge) Input(prompt string) Outcome {
	text, err := b.ReadMessage(prompt)
	if err != nil {
		return b.failure(err)
	}
	return Outcome{Kind: OutcomeValue, Value: text + "\n"}
}

// Sleep is SyncSleep for an interpreter.
func (b *Bridge) Sleep(d time.Duration) Outcome {
	if err := b.SyncSleep(d); err != nil {
		return b.failure(err)
	}
	return Outcome{Kind: OutcomeElapsed}
}

func (b *Bridge) failure(err error) Outcome {
	o := outcomeFor(err)
	if o.Kind != OutcomeInterrupted {
		b.log.Warn("blocking read failed", "outcome", o.Kind.String(), "error", err)
	}
	return o
}
