package observability

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelInfo, Output: &buf, JSONFormat: true})

	logger.Info("hello", "k", "v")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "v", record["k"])
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelWarn, Output: &buf})

	logger.Info("suppressed")
	assert.Zero(t, buf.Len())

	logger.Warn("emitted")
	assert.Contains(t, buf.String(), "emitted")
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "sk-or-***(20)", RedactKey("sk-or-v1-abcdef12345"))
	assert.Equal(t, "***(4)", RedactKey("tiny"))
	assert.Equal(t, "***(0)", RedactKey(""))
	assert.NotContains(t, RedactKey("sk-or-v1-secret-part"), "secret")
}

func TestRequestIDShortAndUnique(t *testing.T) {
	a := RequestID()
	b := RequestID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
