package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentOverrides(t *testing.T) {
	var buf bytes.Buffer
	root := slog.New(newHandler(&buf, "info", "text", map[string]string{
		"merge-worker":      "debug",
		"merge-coordinator": "error",
	}))

	root.Debug("root debug")
	root.With("component", "merge-worker").Debug("worker debug")
	root.With("component", "merge-coordinator").Warn("coordinator warn")
	root.With("component", "shard-router").Info("router info")

	out := buf.String()
	assert.NotContains(t, out, "root debug")
	assert.Contains(t, out, "worker debug")
	assert.NotContains(t, out, "coordinator warn")
	assert.Contains(t, out, "router info")
}

func TestNoOverridesUsesPlainHandler(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, "warn", "json", nil)
	_, wrapped := h.(*componentHandler)
	assert.False(t, wrapped)

	l := slog.New(h)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
