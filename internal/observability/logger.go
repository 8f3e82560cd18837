// Package observability provides structured logging for the gateway with
// credential redaction. Log emission is deliberately thin: one record per
// terminal outcome, never message content, never a full API key.
package observability

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// LoggerConfig controls handler construction.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	JSONFormat bool
}

// NewLogger builds a slog.Logger per the config.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// RedactKey returns a non-reversible representation of an API key safe for
// logs: a short prefix plus the total length.
func RedactKey(key string) string {
	const visible = 6
	if len(key) <= visible {
		return fmt.Sprintf("***(%d)", len(key))
	}
	return fmt.Sprintf("%s***(%d)", key[:visible], len(key))
}

// RequestID returns a short correlation id for one logical request. Short on
// purpose: it appears in every log line for the request and full UUIDs add
// no value at gateway volumes.
func RequestID() string {
	return uuid.NewString()[:8]
}
