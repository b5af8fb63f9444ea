package logging

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New()
	logger.SetLevel(level)
	logger.SetOutput(log.New(&buf, "", 0))
	return logger, &buf
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		minLevel  Level
		logLevel  Level
		shouldLog bool
	}{
		{"debug allowed at debug", LevelDebug, LevelDebug, true},
		{"error allowed at debug", LevelDebug, LevelError, true},
		{"debug blocked at info", LevelInfo, LevelDebug, false},
		{"info allowed at info", LevelInfo, LevelInfo, true},
		{"info blocked at warn", LevelWarn, LevelInfo, false},
		{"warn allowed at warn", LevelWarn, LevelWarn, true},
		{"warn blocked at error", LevelError, LevelWarn, false},
		{"error allowed at error", LevelError, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferedLogger(tt.minLevel)

			switch tt.logLevel {
			case LevelDebug:
				logger.Debug("wait armed")
			case LevelInfo:
				logger.Info("wait armed")
			case LevelWarn:
				logger.Warn("wait armed")
			case LevelError:
				logger.Error("wait armed")
			}

			if tt.shouldLog {
				assert.Contains(t, buf.String(), "wait armed")
				assert.True(t, strings.HasPrefix(buf.String(), tt.logLevel.String()+":"))
			} else {
				assert.Empty(t, buf.String(), "expected no log output")
			}
			assert.Equal(t, tt.shouldLog, logger.Enabled(tt.logLevel))
		})
	}
}

func TestLoggerWithFieldsSorted(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	child := logger.WithFields(map[string]interface{}{
		"worker":     3,
		"component":  "taskclient",
		"message_id": "6f1c",
	})
	child.Warn("interrupt written")

	assert.Equal(t, "WARN: interrupt written | component=taskclient message_id=6f1c worker=3\n", buf.String())
}

func TestLoggerInlineKeyVals(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	logger.Warn("relay read failed", "error", errors.New("connection refused"), "attempt", 3)

	output := buf.String()
	assert.Contains(t, output, "WARN: relay read failed")
	assert.Contains(t, output, `error="connection refused"`)
	assert.Contains(t, output, "attempt=3")
}

func TestLoggerChildSharesLevelNotFields(t *testing.T) {
	logger, buf := newBufferedLogger(LevelWarn)
	child := logger.With("component", "relay")

	child.Info("filtered")
	assert.Empty(t, buf.String())

	logger.SetLevel(LevelInfo)
	child.Info("now visible")
	assert.Contains(t, buf.String(), "component=relay")

	buf.Reset()
	logger.Info("parent")
	assert.NotContains(t, buf.String(), "component=relay")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelWarn, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"simple string", "hello", "hello"},
		{"empty string", "", `""`},
		{"string with spaces", "hello world", `"hello world"`},
		{"integer", 42, "42"},
		{"error", errors.New("oops"), `"oops"`},
		{"stringer", LevelInfo, "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatValue(tt.input))
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(log.New(&buf, "", 0))
	SetLevel(LevelWarn)
	t.Cleanup(func() {
		SetOutput(log.New(&bytes.Buffer{}, "", 0))
	})

	Debug("debug message")
	assert.Empty(t, buf.String())

	Warn("warn message")
	assert.Contains(t, buf.String(), "WARN: warn message")

	buf.Reset()
	With("component", "test").Error("error message")
	assert.Contains(t, buf.String(), "component=test")
	assert.Same(t, defaultLogger, Default())
}
