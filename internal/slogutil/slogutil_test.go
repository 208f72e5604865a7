package slogutil

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWith_AttrsReachTheRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, nil)))

	ctx := With(context.Background(), "nzb_id", 7)
	ctx = With(ctx, "url", "http://x/a.nzb")
	logger.InfoContext(ctx, "fetching")

	out := buf.String()
	assert.Contains(t, out, "nzb_id=7")
	assert.Contains(t, out, "url=http://x/a.nzb")
}

func TestWith_DoesNotLeakIntoParentContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, nil)))

	parent := With(context.Background(), "a", 1)
	_ = With(parent, "b", 2)
	logger.InfoContext(parent, "msg")

	assert.Contains(t, buf.String(), "a=1")
	assert.NotContains(t, buf.String(), "b=2")
}

func TestDynamicLeveler_ChangesRunningLogger(t *testing.T) {
	var buf bytes.Buffer
	leveler := NewDynamicLeveler(slog.LevelInfo)
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: leveler})))

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	leveler.SetLevel(slog.LevelDebug)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("anything-else"))
}
