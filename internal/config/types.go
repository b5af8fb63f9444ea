package config

import (
	"time"

	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/logging"
)

// RelayConfig configures the relay transport.
type RelayConfig struct {
	// URL of a running relay. Empty starts an embedded relay on Listen.
	URL            string `yaml:"url" json:"url"`
	Listen         string `yaml:"listen" json:"listen"`
	Token          string `yaml:"token,omitempty" json:"token,omitempty"`
	ReadyTimeoutMS int    `yaml:"ready_timeout_ms" json:"ready_timeout_ms"`
	MaxFailures    int    `yaml:"max_failures" json:"max_failures"`
}

// TransportConfig selects and tunes the channel transport.
type TransportConfig struct {
	Mode           string      `yaml:"mode" json:"mode"`
	BufferSize     int         `yaml:"buffer_size" json:"buffer_size"`
	PollIntervalMS int         `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	Relay          RelayConfig `yaml:"relay" json:"relay"`
}

// InterruptConfig controls cooperative interrupts.
type InterruptConfig struct {
	Buffer bool `yaml:"buffer" json:"buffer"`
}

// LoggingConfig controls the default logger.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Config represents the .comsync/config.yaml file.
type Config struct {
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Interrupt InterruptConfig `yaml:"interrupt" json:"interrupt"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// NegotiateOptions converts the transport section. The config must have
// passed ValidateConfig.
func (c *Config) NegotiateOptions(logger *logging.Logger) channel.NegotiateOptions {
	mode, _ := channel.ParseMode(c.Transport.Mode)
	return channel.NegotiateOptions{
		Mode:         mode,
		BufferSize:   c.Transport.BufferSize,
		PollInterval: time.Duration(c.Transport.PollIntervalMS) * time.Millisecond,
		RelayURL:     c.Transport.Relay.URL,
		RelayListen:  c.Transport.Relay.Listen,
		RelayToken:   c.Transport.Relay.Token,
		ReadyTimeout: time.Duration(c.Transport.Relay.ReadyTimeoutMS) * time.Millisecond,
		MaxFailures:  c.Transport.Relay.MaxFailures,
		Logger:       logger,
	}
}

// LogLevel returns the parsed logging level. The config must have passed
// ValidateConfig.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}
