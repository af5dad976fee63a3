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

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", JobID(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithStepID(ctx, "summarize")
	ctx = WithJobID(ctx, "batch-7")

	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "summarize", StepID(ctx))
	assert.Equal(t, "batch-7", JobID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStepID(WithRunID(context.Background(), "run-abc"), "draft")

	LogWith(ctx, logger).Info("step finished")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "step_id=draft")
	assert.Contains(t, output, "step finished")
	assert.NotContains(t, output, "job_id")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "step_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRunID(context.Background(), "run-xyz")
	logger.InfoContext(ctx, "checkpoint written")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-xyz", record["run_id"])
	assert.Equal(t, "checkpoint written", record["msg"])
	_, hasStep := record["step_id"]
	assert.False(t, hasStep)
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(base).With(slog.String("component", "scheduler"))

	ctx := WithRunID(context.Background(), "run-1")
	logger.InfoContext(ctx, "tick")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "scheduler", record["component"])
	assert.Equal(t, "run-1", record["run_id"])
}

func TestSetupFormats(t *testing.T) {
	var buf bytes.Buffer

	// A bytes.Buffer has no file descriptor, so auto falls back to JSON.
	logger := Setup("info", FormatAuto, &buf)
	logger.Info("hello")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])

	buf.Reset()
	logger = Setup("info", FormatText, &buf)
	logger.Info("hello text")
	assert.Contains(t, buf.String(), "hello text")
	assert.NotContains(t, buf.String(), "\033[") // no color codes off-terminal
}

func TestSetupLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("warn", FormatJSON, &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
}
