// Package config loads comsync settings from .comsync/config.yaml, with
// defaults for anything the file leaves out and environment overrides on
// top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/logging"
	"github.com/thruflo/comsync/internal/relay"
)

// Default values for Config.
const (
	DefaultMode           = string(channel.ModeAuto)
	DefaultBufferSize     = channel.DefaultBufferSize
	DefaultPollIntervalMS = int(channel.DefaultPollInterval / time.Millisecond)
	DefaultReadyTimeoutMS = int(channel.DefaultReadyTimeout / time.Millisecond)
	DefaultMaxFailures    = channel.DefaultMaxFailures
	DefaultListen         = relay.DefaultListenAddr
	DefaultLogLevel       = "warn"

	// minBufferSize leaves room for the envelope around a short message.
	minBufferSize = 256
)

// Dir is the project directory holding the config file.
const Dir = ".comsync"

// Environment variables that override the file.
const (
	EnvTransport  = "COMSYNC_TRANSPORT"
	EnvRelayURL   = "COMSYNC_RELAY_URL"
	EnvRelayToken = "COMSYNC_RELAY_TOKEN"
	EnvLogLevel   = "COMSYNC_LOG_LEVEL"
	EnvInterrupt  = "COMSYNC_INTERRUPT_BUFFER"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			Mode:           DefaultMode,
			BufferSize:     DefaultBufferSize,
			PollIntervalMS: DefaultPollIntervalMS,
			Relay: RelayConfig{
				Listen:         DefaultListen,
				ReadyTimeoutMS: DefaultReadyTimeoutMS,
				MaxFailures:    DefaultMaxFailures,
			},
		},
		Interrupt: InterruptConfig{Buffer: true},
		Logging:   LoggingConfig{Level: DefaultLogLevel},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// LoadConfig reads and parses .comsync/config.yaml from the given base path.
// If the file doesn't exist, returns default config.
func LoadConfig(basePath string) (*Config, error) {
	cfg, err := LoadConfigFile(filepath.Join(basePath, Dir, "config.yaml"))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		def := DefaultConfig()
		return &def, nil
	}
	return cfg, err
}

// LoadConfigFile reads and parses the config file at path. The document
// is checked against the schema, missing fields keep their defaults and
// the result is validated.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document.
func Parse(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw != nil {
		if err := ValidateSchema(raw); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with
// getenv, then revalidates.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvTransport); v != "" {
		cfg.Transport.Mode = v
	}
	if v := getenv(EnvRelayURL); v != "" {
		cfg.Transport.Relay.URL = v
	}
	if v := getenv(EnvRelayToken); v != "" {
		cfg.Transport.Relay.Token = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv(EnvInterrupt); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return ValidationError{Field: EnvInterrupt, Message: "must be a boolean"}
		}
		cfg.Interrupt.Buffer = b
	}
	return ValidateConfig(cfg)
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if _, err := channel.ParseMode(cfg.Transport.Mode); err != nil {
		return ValidationError{Field: "transport.mode", Message: "must be one of auto, shared_memory, relay"}
	}
	if cfg.Transport.BufferSize < minBufferSize {
		return ValidationError{Field: "transport.buffer_size", Message: fmt.Sprintf("must be at least %d", minBufferSize)}
	}
	if cfg.Transport.PollIntervalMS <= 0 {
		return ValidationError{Field: "transport.poll_interval_ms", Message: "must be positive"}
	}
	if err := ValidateRelayConfig(&cfg.Transport.Relay); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return ValidationError{Field: "logging.level", Message: "must be one of debug, info, warn, error"}
	}
	return nil
}

// ValidateRelayConfig checks that relay config values are valid.
func ValidateRelayConfig(cfg *RelayConfig) error {
	if cfg.URL != "" && !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return ValidationError{Field: "transport.relay.url", Message: "must be an http or https URL"}
	}
	if cfg.URL == "" && cfg.Listen == "" {
		return ValidationError{Field: "transport.relay.listen", Message: "required when url is empty"}
	}
	if cfg.ReadyTimeoutMS <= 0 {
		return ValidationError{Field: "transport.relay.ready_timeout_ms", Message: "must be positive"}
	}
	if cfg.MaxFailures <= 0 {
		return ValidationError{Field: "transport.relay.max_failures", Message: "must be positive"}
	}
	return nil
}

// Write saves cfg as .comsync/config.yaml under basePath.
func Write(basePath string, cfg *Config) error {
	dir := filepath.Join(basePath, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
