package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thruflo/comsync/internal/logging"
	"github.com/thruflo/comsync/internal/relay"
)

// Mode selects how a Transport creates channels.
type Mode string

const (
	// ModeAuto prefers shared memory and falls back to the relay.
	ModeAuto Mode = "auto"
	// ModeSharedMemory requires shared memory.
	ModeSharedMemory Mode = "shared_memory"
	// ModeRelay requires the relay.
	ModeRelay Mode = "relay"
)

const (
	// DefaultReadyTimeout bounds how long Negotiate waits for the relay.
	DefaultReadyTimeout = time.Second

	// readyPollInterval is the delay between relay version probes.
	readyPollInterval = 100 * time.Millisecond
)

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeSharedMemory, ModeRelay:
		return m, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q", s)
	}
}

// NegotiateOptions configures transport selection.
type NegotiateOptions struct {
	Mode         Mode
	BufferSize   int
	PollInterval time.Duration

	// RelayURL points at a running relay. Empty starts an embedded relay
	// on RelayListen.
	RelayURL     string
	RelayListen  string
	RelayToken   string
	ReadyTimeout time.Duration
	MaxFailures  int

	// SharedMemorySupported overrides the platform probe.
	SharedMemorySupported func() bool

	Logger *logging.Logger
}

// Transport creates channels of the negotiated type. It owns the embedded
// relay, if one was started.
type Transport struct {
	mode     Mode
	opts     NegotiateOptions
	relayURL string
	embedded *relay.Server
	client   *http.Client
	log      *logging.Logger

	mu     sync.Mutex
	closed bool
}

// Negotiate picks a transport. In auto mode shared memory wins when the
// platform supports it; otherwise the relay is registered and probed until
// it answers its version. When nothing works the error matches
// ErrUnsupportedPlatform.
func Negotiate(ctx context.Context, opts NegotiateOptions) (*Transport, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.SharedMemorySupported == nil {
		opts.SharedMemorySupported = SharedMemorySupported
	}
	if opts.Logger == nil {
		opts.Logger = logging.With("component", "transport")
	}

	t := &Transport{
		opts:   opts,
		client: &http.Client{},
		log:    opts.Logger,
	}

	switch opts.Mode {
	case ModeSharedMemory:
		if !opts.SharedMemorySupported() {
			return nil, &UnsupportedPlatformError{Reason: "shared memory unavailable"}
		}
		t.mode = ModeSharedMemory
	case ModeRelay:
		if err := t.setupRelay(ctx); err != nil {
			return nil, &UnsupportedPlatformError{Reason: err.Error()}
		}
		t.mode = ModeRelay
	case ModeAuto:
		if opts.SharedMemorySupported() {
			t.mode = ModeSharedMemory
			break
		}
		t.log.Info("shared memory unavailable, trying relay")
		if err := t.setupRelay(ctx); err != nil {
			return nil, &UnsupportedPlatformError{Reason: "shared memory unavailable and " + err.Error()}
		}
		t.mode = ModeRelay
	default:
		return nil, fmt.Errorf("unknown transport mode %q", opts.Mode)
	}

	t.log.Info("transport ready", "mode", string(t.mode))
	return t, nil
}

func (t *Transport) setupRelay(ctx context.Context) error {
	url := t.opts.RelayURL
	if url == "" {
		srv := relay.NewServer(relay.ServerOptions{
			ListenAddr: t.opts.RelayListen,
			Token:      t.opts.RelayToken,
			Logger:     t.log.With("relay", "embedded"),
		})
		if err := srv.Start(); err != nil {
			return err
		}
		t.embedded = srv
		url = srv.URL()
	}

	if err := WaitReady(ctx, t.client, url, t.opts.ReadyTimeout); err != nil {
		t.stopEmbedded()
		return err
	}
	t.relayURL = url
	return nil
}

// WaitReady polls the relay's version endpoint until it answers with
// relay.Version or timeout elapses.
func WaitReady(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}
	deadline := time.Now().Add(timeout)
	url := strings.TrimRight(baseURL, "/") + "/version"

	for {
		if probeVersion(ctx, client, url) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("relay at %s not ready after %s", baseURL, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

func probeVersion(ctx context.Context, client *http.Client, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, readyPollInterval)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	return err == nil && resp.StatusCode == http.StatusOK && string(body) == relay.Version
}

// Mode returns the negotiated mode, never ModeAuto.
func (t *Transport) Mode() Mode { return t.mode }

// RelayURL returns the relay URL in relay mode.
func (t *Transport) RelayURL() string { return t.relayURL }

// NewChannel allocates a fresh channel. Channels are never shared between
// worker generations.
func (t *Transport) NewChannel() (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	switch t.mode {
	case ModeSharedMemory:
		return NewSharedMemory(SharedMemoryOptions{
			BufferSize:   t.opts.BufferSize,
			PollInterval: t.opts.PollInterval,
			Logger:       t.log,
		}), nil
	default:
		return NewRelay(RelayOptions{
			BaseURL:      t.relayURL,
			Token:        t.opts.RelayToken,
			PollInterval: t.opts.PollInterval,
			MaxFailures:  t.opts.MaxFailures,
			Logger:       t.log,
		}), nil
	}
}

// Close stops the embedded relay, if any.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.stopEmbedded()
}

func (t *Transport) stopEmbedded() error {
	if t.embedded == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := t.embedded.Stop(ctx)
	t.embedded = nil
	return err
}
