package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, InfoLevel, ParseLevel("INFO"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel("ERROR"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
}

func TestZapLogger_Output(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: DebugLevel, Output: &buf})
	assert.NoError(t, err)

	logger.Info("pipe started", String("pipe", "orders"))
	assert.Contains(t, buf.String(), "pipe started")
	assert.Contains(t, buf.String(), "orders")
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: WarnLevel, Output: &buf})
	assert.NoError(t, err)

	logger.Debug("ignored")
	logger.Info("ignored too")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewZapLogger(LogConfig{Level: InfoLevel, Output: &buf})

	child := logger.WithFields(String("pipe", "orders"))
	child.Info("polled")
	assert.Contains(t, buf.String(), "pipe")
	assert.Contains(t, buf.String(), "orders")
}
