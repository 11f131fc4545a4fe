package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		visible []string
		hidden  []string
	}{
		{level: "trace", visible: []string{"trace message", "debug message", "info message"}},
		{level: "debug", visible: []string{"debug message", "info message"}, hidden: []string{"trace message"}},
		{level: "info", visible: []string{"info message"}, hidden: []string{"trace message", "debug message"}},
		{level: "warn", visible: []string{"warn message"}, hidden: []string{"info message"}},
		{level: "error", visible: []string{"error message"}, hidden: []string{"warn message"}},
		{level: "bogus", visible: []string{"info message"}, hidden: []string{"debug message"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})

			logger.Trace().Msg("trace message")
			logger.Debug().Msg("debug message")
			logger.Info().Msg("info message")
			logger.Warn().Msg("warn message")
			logger.Error().Msg("error message")

			for _, msg := range tt.visible {
				assert.Contains(t, buf.String(), msg)
			}
			for _, msg := range tt.hidden {
				assert.NotContains(t, buf.String(), msg)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestIsValidLevel(t *testing.T) {
	assert.True(t, IsValidLevel("trace"))
	assert.True(t, IsValidLevel("error"))
	assert.False(t, IsValidLevel(""))
	assert.False(t, IsValidLevel("verbose"))
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "event-loop")

	logger.Info().Int("pid", 4321).Msg("attached")

	assert.Contains(t, buf.String(), `"component":"event-loop"`)
	assert.Contains(t, buf.String(), `"pid":4321`)
}

func TestNew_PrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})

	logger.Info().Msg("hit user defined breakpoint")

	assert.Contains(t, buf.String(), "hit user defined breakpoint")
}

func TestNew_NilOutput(t *testing.T) {
	logger := New(Config{Level: "error"})

	assert.NotPanics(t, func() { logger.Info().Msg("discarded") })
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Pretty)
	assert.NotNil(t, cfg.Output)
}
