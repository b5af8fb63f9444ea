package relay

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// AuthLimitConfig controls how clients presenting a wrong token are
// locked out.
type AuthLimitConfig struct {
	BlockAfter int           // Block after this many consecutive failures (default: 10)
	BlockTime  time.Duration // Base block duration (default: 30s, doubles each block)
	MaxBlock   time.Duration // Upper bound on a block (default: 10m)
}

// DefaultAuthLimitConfig returns the default lockout configuration.
func DefaultAuthLimitConfig() AuthLimitConfig {
	return AuthLimitConfig{
		BlockAfter: 10,
		BlockTime:  30 * time.Second,
		MaxBlock:   10 * time.Minute,
	}
}

// authLimiter tracks consecutive authentication failures per client IP
// and blocks clients that keep failing, with exponential backoff.
type authLimiter struct {
	mu     sync.Mutex
	config AuthLimitConfig
	now    func() time.Time

	failures map[string]int
	blocked  map[string]time.Time
}

func newAuthLimiter(config AuthLimitConfig) *authLimiter {
	def := DefaultAuthLimitConfig()
	if config.BlockAfter <= 0 {
		config.BlockAfter = def.BlockAfter
	}
	if config.BlockTime <= 0 {
		config.BlockTime = def.BlockTime
	}
	if config.MaxBlock <= 0 {
		config.MaxBlock = def.MaxBlock
	}
	return &authLimiter{
		config:   config,
		now:      time.Now,
		failures: make(map[string]int),
		blocked:  make(map[string]time.Time),
	}
}

// retryAfter returns how long ip remains blocked, or 0.
func (l *authLimiter) retryAfter(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.blocked[ip]
	if !ok {
		return 0
	}
	if remaining := expiry.Sub(l.now()); remaining > 0 {
		return remaining
	}
	delete(l.blocked, ip)
	return 0
}

// recordSuccess clears the failure count for ip.
func (l *authLimiter) recordSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, ip)
	delete(l.blocked, ip)
}

// recordFailure counts a failure and returns the block duration if ip is
// now blocked.
func (l *authLimiter) recordFailure(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures[ip]++
	count := l.failures[ip]
	if count < l.config.BlockAfter || count%l.config.BlockAfter != 0 {
		return 0
	}

	// BlockTime * 2^(blocks-1)
	blocks := count / l.config.BlockAfter
	d := l.config.BlockTime
	for i := 1; i < blocks && d < l.config.MaxBlock; i++ {
		d *= 2
	}
	if d > l.config.MaxBlock {
		d = l.config.MaxBlock
	}
	l.blocked[ip] = l.now().Add(d)
	return d
}

// clientIP extracts the client IP from the request. Forwarding headers are
// honoured for relays behind a reverse proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
