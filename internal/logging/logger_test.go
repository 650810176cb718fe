package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	logger.WithFields(map[string]interface{}{
		"owner_id": "owner-1",
		"updated":  3,
	}).Info("recalculation complete")

	out := buf.String()
	assert.Contains(t, out, "recalculation complete")
	assert.Contains(t, out, `"owner_id":"owner-1"`)
	assert.Contains(t, out, `"updated":3`)
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelWarn, FormatJSON, &buf)

	logger.Info("hidden")
	logger.Debug("hidden too")
	assert.Empty(t, buf.String())

	logger.Warn("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)
	_ = parent.WithField("anchor", "2024-01-01")

	parent.Info("plain")
	assert.NotContains(t, buf.String(), "anchor")
}

func TestErrorIncludesErrorAndCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	logger.ErrorWithErr("upsert failed", errors.New("connection reset"))

	out := buf.String()
	assert.Contains(t, out, "upsert failed")
	assert.Contains(t, out, "connection reset")
	assert.Contains(t, out, "logger_test.go")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)
	ctx := WithLogger(context.Background(), logger)

	ForOwner(ctx, "owner-9").Info("scoped")
	assert.Contains(t, buf.String(), `"owner_id":"owner-9"`)

	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("loud"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
