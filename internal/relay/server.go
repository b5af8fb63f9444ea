// Package relay implements the intercepting message relay used when the
// foreground and a worker cannot share memory. The relay holds at most one
// undelivered message per message id and answers blocking reads as soon as
// the matching write arrives.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thruflo/comsync/internal/logging"
)

const (
	// BasePath prefixes every relay endpoint.
	BasePath = "/__SyncMessageRelay__"

	// Version is the body served by the version endpoint.
	Version = "v1"

	// DefaultListenAddr binds loopback on a free port.
	DefaultListenAddr = "127.0.0.1:0"

	// DefaultEarlyTTL is how long an unread early message is kept.
	DefaultEarlyTTL = 5 * time.Minute

	// DefaultMaxEarly caps the number of unread early messages.
	DefaultMaxEarly = 1024

	// maxBodySize bounds request bodies.
	maxBodySize = 4 << 20
)

// WriteRequest is the body of POST /write.
type WriteRequest struct {
	Data      string `json:"data"`
	MessageID string `json:"messageId"`
}

// ReadRequest is the body of POST /read. With TimeoutMS set the relay ends
// the wait itself with 204 No Content, so a client never abandons a
// response that already carries its message.
type ReadRequest struct {
	MessageID string `json:"messageId"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// earlyMessage is a write that arrived before its reader.
type earlyMessage struct {
	data   []byte
	stored time.Time
}

// Server is the relay process. Writes for an id with no waiting reader are
// kept as early messages; a reader for an id with an early message is
// answered at once, otherwise it parks until the write arrives or its
// request is cancelled.
type Server struct {
	// Configuration
	listenAddr string
	token      string
	limiter    *authLimiter
	earlyTTL   time.Duration
	maxEarly   int
	now        func() time.Time
	log        *logging.Logger

	// State
	mu      sync.Mutex
	early   map[string]earlyMessage
	pending map[string]chan []byte

	// Lifecycle
	srvMu    sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
	shutdown chan struct{}
}

// ServerOptions holds configuration for creating a Server instance.
type ServerOptions struct {
	ListenAddr string
	// Token, if set, is the bearer token every read and write must carry.
	Token     string
	AuthLimit AuthLimitConfig
	// EarlyTTL and MaxEarly bound messages nobody reads, such as an
	// interrupt written to a wait that had already timed out.
	EarlyTTL time.Duration
	MaxEarly int
	Logger   *logging.Logger
}

// NewServer creates a relay with the given options.
func NewServer(opts ServerOptions) *Server {
	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.With("component", "relay")
	}
	if opts.EarlyTTL <= 0 {
		opts.EarlyTTL = DefaultEarlyTTL
	}
	if opts.MaxEarly <= 0 {
		opts.MaxEarly = DefaultMaxEarly
	}

	return &Server{
		listenAddr: listenAddr,
		token:      opts.Token,
		limiter:    newAuthLimiter(opts.AuthLimit),
		earlyTTL:   opts.EarlyTTL,
		maxEarly:   opts.MaxEarly,
		now:        time.Now,
		log:        logger,
		early:      make(map[string]earlyMessage),
		pending:    make(map[string]chan []byte),
		shutdown:   make(chan struct{}),
	}
}

// Handler returns the relay's HTTP handler, rooted at BasePath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(BasePath+"/read", s.handleRead)
	mux.HandleFunc(BasePath+"/write", s.handleWrite)
	mux.HandleFunc(BasePath+"/version", s.handleVersion)
	mux.HandleFunc(BasePath+"/health", s.handleHealth)
	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.running {
		return fmt.Errorf("relay already running")
	}

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Reads are long polls.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay stopped", "error", err)
		}
	}()

	s.log.Info("relay listening", "addr", ln.Addr().String())
	return nil
}

// Stop releases parked readers and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.srvMu.Lock()
	if !s.running {
		s.srvMu.Unlock()
		return nil
	}
	close(s.shutdown)
	server := s.server
	s.srvMu.Unlock()

	err := server.Shutdown(ctx)

	s.srvMu.Lock()
	s.running = false
	s.shutdown = make(chan struct{})
	s.srvMu.Unlock()

	return err
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listenAddr
}

// URL returns the base URL clients use.
func (s *Server) URL() string {
	return "http://" + s.Addr() + BasePath
}

// Running returns whether the relay is serving.
func (s *Server) Running() bool {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.running
}

// Counts returns the number of undelivered messages and parked readers.
func (s *Server) Counts() (early, readers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.early), len(s.pending)
}

func (s *Server) shutdownCh() chan struct{} {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.shutdown
}

// handleRead answers with the message for an id, parking until it arrives.
// POST /read {"messageId": "..."}
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var req ReadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid read JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.MessageID == "" {
		http.Error(w, "messageId is required", http.StatusBadRequest)
		return
	}

	if req.TimeoutMS < 0 {
		http.Error(w, "timeoutMs must not be negative", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if data, ok := s.takeEarly(req.MessageID); ok {
		s.mu.Unlock()
		s.log.Debug("early message delivered", "message_id", req.MessageID)
		s.respond(w, data)
		return
	}
	// A reader whose client already gave up may still be parked; the new
	// one takes its place.
	if old, ok := s.pending[req.MessageID]; ok {
		close(old)
	}
	ch := make(chan []byte, 1)
	s.pending[req.MessageID] = ch
	s.mu.Unlock()

	ctx := r.Context()
	var expired <-chan time.Time
	if req.TimeoutMS > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutMS) * time.Millisecond)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case data, ok := <-ch:
		if !ok {
			http.Error(w, "Superseded by a newer read", http.StatusConflict)
			return
		}
		if ctx.Err() != nil {
			s.restore(req.MessageID, data)
			return
		}
		s.respond(w, data)
	case <-expired:
		s.abandon(req.MessageID, ch)
		w.WriteHeader(http.StatusNoContent)
	case <-ctx.Done():
		s.abandon(req.MessageID, ch)
	case <-s.shutdownCh():
		s.abandon(req.MessageID, ch)
		http.Error(w, "Relay shutting down", http.StatusServiceUnavailable)
	}
}

// abandon removes a parked reader. A payload that raced in goes back to the
// early messages.
func (s *Server) abandon(id string, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] == ch {
		delete(s.pending, id)
		return
	}
	select {
	case data, ok := <-ch:
		if ok {
			s.keepEarly(id, data, false)
		}
	default:
	}
}

func (s *Server) restore(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepEarly(id, data, false)
}

// keepEarly stores data for a reader yet to come, after dropping expired
// entries and, at the cap, the oldest one. Callers hold mu.
func (s *Server) keepEarly(id string, data []byte, replace bool) {
	if _, exists := s.early[id]; exists && !replace {
		return
	}
	now := s.now()
	var oldestID string
	var oldest time.Time
	for k, m := range s.early {
		if now.Sub(m.stored) >= s.earlyTTL {
			delete(s.early, k)
			continue
		}
		if oldestID == "" || m.stored.Before(oldest) {
			oldestID, oldest = k, m.stored
		}
	}
	if _, exists := s.early[id]; !exists && len(s.early) >= s.maxEarly && oldestID != "" {
		delete(s.early, oldestID)
		s.log.Warn("early message dropped at capacity", "message_id", oldestID)
	}
	s.early[id] = earlyMessage{data: data, stored: now}
}

// takeEarly removes and returns an unexpired early message. Callers hold mu.
func (s *Server) takeEarly(id string) ([]byte, bool) {
	m, ok := s.early[id]
	if !ok {
		return nil, false
	}
	delete(s.early, id)
	if s.now().Sub(m.stored) >= s.earlyTTL {
		return nil, false
	}
	return m.data, true
}

// handleWrite hands a message to the parked reader for its id, or keeps it
// as an early message. A second write for the same id replaces the first.
// POST /write {"data": "...", "messageId": "..."}
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid write JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.MessageID == "" {
		http.Error(w, "messageId is required", http.StatusBadRequest)
		return
	}

	data := []byte(req.Data)
	s.mu.Lock()
	if ch, ok := s.pending[req.MessageID]; ok {
		delete(s.pending, req.MessageID)
		ch <- data
		s.mu.Unlock()
		s.log.Debug("message handed to reader", "message_id", req.MessageID)
	} else {
		s.keepEarly(req.MessageID, data, true)
		s.mu.Unlock()
		s.log.Debug("message stored early", "message_id", req.MessageID)
	}

	s.respond(w, data)
}

// handleVersion identifies the relay protocol.
// GET /version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, Version)
}

// handleHealth returns a simple health check response.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	early, readers := s.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": Version,
		"early":   early,
		"readers": readers,
	})
}

func (s *Server) respond(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// authorize checks the bearer token and writes the rejection if it fails.
// Without a configured token every request is allowed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	ip := clientIP(r)
	if wait := s.limiter.retryAfter(ip); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds()+0.5)))
		http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
		return false
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1 {
		s.limiter.recordSuccess(ip)
		return true
	}

	if d := s.limiter.recordFailure(ip); d > 0 {
		s.log.Warn("client blocked after failed authentication", "ip", ip, "duration", d)
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}
