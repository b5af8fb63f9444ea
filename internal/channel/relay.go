package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thruflo/comsync/internal/logging"
	"github.com/thruflo/comsync/internal/relay"
)

// DefaultMaxFailures is how many consecutive non-timeout read failures a
// relay channel tolerates before giving up.
const DefaultMaxFailures = 50

// readGrace is how long past its slice a read waits for the relay to end
// the poll. The relay, not the client, ends each slice.
const readGrace = 5 * time.Second

// RelayOptions configures a Relay channel.
type RelayOptions struct {
	// BaseURL is the relay's URL including relay.BasePath.
	BaseURL      string
	Token        string
	HTTPClient   *http.Client
	PollInterval time.Duration
	MaxFailures  int
	Logger       *logging.Logger
}

// Relay is a channel through the HTTP relay. Writes are posted in the
// background; reads are long polls cut into poll-interval slices so the
// reader can sample interrupts.
type Relay struct {
	id          string
	baseURL     string
	token       string
	client      *http.Client
	poll        time.Duration
	maxFailures int
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	writes sync.WaitGroup
	closed atomic.Bool
}

// NewRelay creates a relay channel for an already reachable relay.
func NewRelay(opts RelayOptions) *Relay {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Logger == nil {
		opts.Logger = logging.With("component", "channel")
	}
	id := nextID(TypeRelay)
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		id:          id,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		client:      opts.HTTPClient,
		poll:        opts.PollInterval,
		maxFailures: opts.MaxFailures,
		log:         opts.Logger.With("channel", id),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *Relay) ID() string { return c.id }

func (c *Relay) Type() Type { return TypeRelay }

// BaseURL returns the relay URL this channel talks to.
func (c *Relay) BaseURL() string { return c.baseURL }

// Write posts msg for messageID in the background and returns at once.
// Delivery failures are logged; the reader observes them as a missing
// message.
func (c *Relay) Write(msg Message, messageID string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := encode(msg, messageID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(relay.WriteRequest{Data: string(payload), MessageID: messageID})
	if err != nil {
		return fmt.Errorf("failed to encode relay write: %w", err)
	}

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		status, _, err := c.post(c.ctx, "/write", body)
		switch {
		case err != nil:
			if c.ctx.Err() == nil {
				c.log.Warn("relay write failed", "message_id", messageID, "error", err)
			}
		case status != http.StatusOK:
			c.log.Warn("relay write rejected", "message_id", messageID, "status", status)
		default:
			c.log.Debug("message written", "message_id", messageID)
		}
	}()
	return nil
}

// Read long-polls the relay until a message for messageID arrives. Each
// poll asks the relay to answer 204 once the slice is spent.
func (c *Relay) Read(messageID string, opts ReadOptions) (Message, error) {
	deadline := opts.deadline(time.Now())
	failures := 0

	for {
		if c.closed.Load() {
			return Message{}, ErrClosed
		}
		d := slice(c.poll, deadline)
		if d <= 0 {
			return Message{}, ErrTimeout
		}

		body, err := json.Marshal(relay.ReadRequest{MessageID: messageID, TimeoutMS: sliceMillis(d)})
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode relay read: %w", err)
		}
		ctx, cancel := context.WithTimeout(c.ctx, d+readGrace)
		status, data, err := c.post(ctx, "/read", body)
		cancel()

		if err != nil {
			if c.closed.Load() {
				return Message{}, ErrClosed
			}
			if !isTimeout(err) {
				failures++
				c.log.Debug("relay read failed", "message_id", messageID, "attempt", failures, "error", err)
				if failures > c.maxFailures {
					return Message{}, &RelayError{Op: "read", Err: err}
				}
				// Connection errors return at once; spend the rest of the
				// slice before polling again.
				c.pause(d)
			}
			if opts.interrupted() {
				return Message{}, ErrInterrupted
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return Message{}, ErrTimeout
			}
			continue
		}

		failures = 0
		if status == http.StatusNoContent {
			if opts.interrupted() {
				return Message{}, ErrInterrupted
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return Message{}, ErrTimeout
			}
			continue
		}
		if status != http.StatusOK {
			return Message{}, &RelayError{Op: "read", Status: status}
		}
		env, err := decode(data)
		if err != nil {
			return Message{}, &RelayError{Op: "read", Status: status, Err: err}
		}
		if env.ID != messageID {
			c.log.Debug("discarding stale message", "message_id", env.ID, "waiting_for", messageID)
			continue
		}
		return env.message(), nil
	}
}

// sliceMillis rounds a poll slice up to whole milliseconds.
func sliceMillis(d time.Duration) int {
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// pause waits out a poll slice unless the channel is closed first.
func (c *Relay) pause(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
	}
}

func (c *Relay) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// Close cancels background writes and in-flight reads.
func (c *Relay) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.writes.Wait()
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
