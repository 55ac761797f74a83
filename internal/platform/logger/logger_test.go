// Package logger_test contains tests for the logger package
package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/platform/logger"
)

func TestSetupWithWriter_Levels(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	tests := []struct {
		level      string
		debugShown bool
		infoShown  bool
	}{
		{"debug", true, true},
		{"INFO", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"bogus", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := logger.SetupWithWriter(config.ServerConfig{LogLevel: tt.level, Port: 8080}, &buf)
			require.NoError(t, err)
			require.NotNil(t, l)

			l.Debug("debug message")
			l.Info("info message")

			out := buf.String()
			assert.Equal(t, tt.debugShown, strings.Contains(out, "debug message"))
			assert.Equal(t, tt.infoShown, strings.Contains(out, "info message"))
		})
	}
}

func TestSetupWithWriter_JSONAndDefault(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	_, err := logger.SetupWithWriter(config.ServerConfig{LogLevel: "info", Port: 8080}, &buf)
	require.NoError(t, err)

	slog.Info("through default", "task_id", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "through default", entry["msg"])
	assert.Equal(t, "abc", entry["task_id"])
}

func TestFromContextOrDefault(t *testing.T) {
	fallback := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Same(t, fallback, logger.FromContextOrDefault(context.Background(), fallback))

	scoped := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := logger.WithLogger(context.Background(), scoped)
	assert.Same(t, scoped, logger.FromContextOrDefault(ctx, fallback))
	assert.Same(t, scoped, logger.FromContext(ctx))

	assert.NotNil(t, logger.FromContextOrDefault(context.Background(), nil))
	assert.Same(t, ctx, logger.WithLogger(ctx, nil))
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := logger.WithLogger(context.Background(), base)

	ctx = logger.WithRequestID(ctx, "req-42")
	assert.Equal(t, "req-42", logger.RequestID(ctx))

	logger.FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Empty(t, logger.RequestID(context.Background()))
}
