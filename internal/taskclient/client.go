// Package taskclient is the foreground side of comsync. A Client runs named
// tasks on a background worker, one at a time, and tracks whether the
// running task is blocked waiting for a message. It delivers user input to
// a blocked task and interrupts tasks, either cooperatively or by replacing
// the worker and its channel outright.
package taskclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/thruflo/comsync/internal/bridge"
	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/interrupt"
	"github.com/thruflo/comsync/internal/logging"
	"github.com/thruflo/comsync/internal/worker"
)

// State is the client's session state.
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateAwaitingMessage State = "awaitingMessage"
)

// Options configures a Client.
type Options struct {
	// Factory builds the task registry for every worker generation.
	Factory worker.Factory

	// Transport creates channels. Nil negotiates one in auto mode; the
	// client then owns it and closes it on Close.
	Transport *channel.Transport

	// DisableInterruptBuffer turns off the cooperative interrupt buffer,
	// leaving a running task interruptible only at blocking reads or by
	// force.
	DisableInterruptBuffer bool

	// OnRequest, if set, sees every blocking request a task announces,
	// after the client state has been updated.
	OnRequest func(bridge.Request)

	Logger *logging.Logger
}

// Client runs tasks on a replaceable worker.
type Client struct {
	factory       worker.Factory
	transport     *channel.Transport
	ownsTransport bool
	useBuffer     bool
	onRequest     func(bridge.Request)
	log           *logging.Logger

	mu          sync.Mutex
	worker      *worker.Worker
	channel     channel.Channel
	state       State
	messageID   string
	interrupter func()
	interruptCh chan error
	token       uint64
	closed      bool
}

// New creates a client and starts its first worker generation.
func New(opts Options) (*Client, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("taskclient: registry factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.With("component", "taskclient")
	}

	c := &Client{
		factory:   opts.Factory,
		transport: opts.Transport,
		useBuffer: !opts.DisableInterruptBuffer,
		onRequest: opts.OnRequest,
		log:       logger,
		state:     StateIdle,
	}

	if c.transport == nil {
		t, err := channel.Negotiate(context.Background(), channel.NegotiateOptions{Logger: logger})
		if err != nil {
			return nil, err
		}
		c.transport = t
		c.ownsTransport = true
	}

	if err := c.start(); err != nil {
		if c.ownsTransport {
			c.transport.Close()
		}
		return nil, err
	}
	return c, nil
}

// start allocates a new generation. Callers hold mu, except New.
func (c *Client) start() error {
	ch, err := c.transport.NewChannel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	w, err := worker.Spawn(c.factory, worker.Options{Logger: c.log})
	if err != nil {
		ch.Close()
		return err
	}
	c.worker = w
	c.channel = ch
	c.log.Info("generation started", "worker", w.Generation(), "channel", ch.ID())
	return nil
}

// terminate disposes of the current generation. Callers hold mu.
func (c *Client) terminate() {
	if c.worker != nil {
		c.worker.Release()
		c.worker.Terminate()
		c.worker = nil
	}
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
}

// RunTask runs the named task and waits for its result, an interrupt, or
// ctx. Cancelling ctx force-interrupts the task and returns ctx.Err().
func (c *Client) RunTask(ctx context.Context, name string, args ...any) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrNotIdle
	}
	if c.worker == nil {
		if err := c.start(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}

	c.token++
	token := c.token
	c.state = StateRunning
	interruptCh := make(chan error, 1)
	c.interruptCh = interruptCh

	var ib *interrupt.Buffer
	if c.useBuffer {
		ib = interrupt.New()
		c.interrupter = ib.Set
	}
	w, ch := c.worker, c.channel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = StateIdle
		c.messageID = ""
		c.interrupter = nil
		c.interruptCh = nil
		c.mu.Unlock()
		if ib != nil {
			ib.Release()
		}
	}()

	log := c.log.With("task", name)
	log.Debug("task started", "worker", w.Generation(), "channel", ch.ID())

	result := w.Call(worker.Call{
		Name:      name,
		Channel:   ch,
		Notify:    func(req bridge.Request) { c.onSyncMessage(token, req) },
		Interrupt: ib,
		Args:      args,
	})

	select {
	case r := <-result:
		if r.Err != nil && errors.Is(r.Err, channel.ErrInterrupted) {
			return r.Value, &InterruptError{Cause: r.Err}
		}
		return r.Value, r.Err
	case err := <-interruptCh:
		log.Info("task interrupted by force")
		return nil, err
	case <-ctx.Done():
		log.Info("task cancelled by context")
		c.forceInterrupt(token)
		return nil, ctx.Err()
	}
}

// onSyncMessage tracks the message id a task is blocked on. Requests from a
// task other than the current one are ignored.
func (c *Client) onSyncMessage(token uint64, req bridge.Request) {
	c.mu.Lock()
	if token != c.token || c.state == StateIdle {
		c.mu.Unlock()
		return
	}

	switch req.Kind {
	case bridge.KindInput:
		c.messageID = req.MessageID
		c.state = StateAwaitingMessage
	case bridge.KindSleep:
		c.messageID = req.MessageID
	case bridge.KindResumed:
		if c.messageID == req.MessageID {
			c.messageID = ""
		}
		if c.messageID == "" && c.state == StateAwaitingMessage {
			c.state = StateRunning
		}
	}
	onRequest := c.onRequest
	c.mu.Unlock()

	c.log.Debug("sync message", "kind", string(req.Kind), "message_id", req.MessageID)
	if onRequest != nil {
		onRequest(req)
	}
}

// WriteMessage delivers value to the task blocked on input.
func (c *Client) WriteMessage(value string) error {
	c.mu.Lock()
	if c.state != StateAwaitingMessage || c.messageID == "" {
		c.mu.Unlock()
		return ErrNotAwaitingMessage
	}
	id, ch, token := c.messageID, c.channel, c.token
	c.state = StateRunning
	c.messageID = ""
	c.mu.Unlock()

	if err := ch.Write(channel.Value(value), id); err != nil {
		// The task is still blocked on id.
		c.mu.Lock()
		if c.token == token && c.state == StateRunning && c.messageID == "" {
			c.state = StateAwaitingMessage
			c.messageID = id
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Interrupt cancels the running task. Without force it unblocks a pending
// read and sets the interrupt buffer when there is one. With force, or when neither is
// available, the task is rejected with an InterruptError and the worker and
// channel are replaced. Interrupt is a no-op while idle.
func (c *Client) Interrupt(force bool) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}

	if !force {
		if c.messageID != "" {
			id, ch, set := c.messageID, c.channel, c.interrupter
			c.messageID = ""
			c.mu.Unlock()
			c.log.Debug("interrupting pending read", "message_id", id)
			err := ch.Write(channel.Interrupted, id)
			// A sleep that times out as the write lands discards it as
			// stale; the buffer still carries the interrupt.
			if set != nil {
				set()
			}
			return err
		}
		if c.interrupter != nil {
			set := c.interrupter
			c.mu.Unlock()
			c.log.Debug("setting interrupt buffer")
			set()
			return nil
		}
	}

	err := c.replaceLocked()
	c.mu.Unlock()
	return err
}

func (c *Client) forceInterrupt(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token || c.state == StateIdle {
		return
	}
	if err := c.replaceLocked(); err != nil {
		c.log.Error("failed to replace worker", "error", err)
	}
}

// replaceLocked rejects the pending task and swaps in a new generation.
func (c *Client) replaceLocked() error {
	if c.interruptCh != nil {
		select {
		case c.interruptCh <- &InterruptError{Forced: true}:
		default:
		}
	}
	c.messageID = ""
	c.interrupter = nil

	old := c.worker
	c.terminate()
	if c.closed {
		return nil
	}
	if err := c.start(); err != nil {
		c.log.Error("failed to start replacement worker", "error", err)
		return err
	}
	if old != nil {
		c.log.Info("worker replaced", "old", old.Generation(), "new", c.worker.Generation())
	}
	return nil
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelID identifies the current channel, or "" between generations.
func (c *Client) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return ""
	}
	return c.channel.ID()
}

// WorkerGeneration identifies the current worker, or 0 between
// generations.
func (c *Client) WorkerGeneration() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.worker == nil {
		return 0
	}
	return c.worker.Generation()
}

// TransportMode returns the negotiated transport mode.
func (c *Client) TransportMode() channel.Mode {
	return c.transport.Mode()
}

// Close interrupts any running task, terminates the worker and releases the
// transport if the client created it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.interruptCh != nil {
		select {
		case c.interruptCh <- &InterruptError{Forced: true}:
		default:
		}
	}
	c.terminate()
	c.mu.Unlock()

	if c.ownsTransport {
		return c.transport.Close()
	}
	return nil
}
