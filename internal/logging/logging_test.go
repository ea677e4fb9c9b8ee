package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_LevelsAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "json")

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	logger.Info("funding detected", "escrow_id", "esc_1")
	assert.Zero(t, buf.Len())

	logger.Warn("payout retry queued", "escrow_id", "esc_1")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "payout retry queued", entry["msg"])
	assert.Equal(t, "custody", entry["service"])
	assert.Equal(t, "esc_1", entry["escrow_id"])
}

func TestNewWithWriter_TextAndDebugSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "text")

	logger.Debug("balance polled")
	assert.Contains(t, buf.String(), "msg=\"balance polled\"")
	assert.Contains(t, buf.String(), "source=", "debug logs carry the call site")
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RequestID(ctx))
	assert.Same(t, slog.Default(), FromContext(ctx))

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	ctx = WithLogger(WithRequestID(ctx, "req-1"), logger)
	ctx = WithRequestID(ctx, "req-2")

	assert.Equal(t, "req-2", RequestID(ctx))
	assert.Same(t, logger, FromContext(ctx))

	L(ctx).Info("escrow created")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-2", entry["request_id"])
}

func TestL_WithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	L(WithLogger(context.Background(), logger)).Info("sweep finished")
	assert.NotContains(t, buf.String(), "request_id")
}
