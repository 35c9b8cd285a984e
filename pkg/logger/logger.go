package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey struct{}

func Setup(level string, format string) {
	SetupWithOverrides(level, format, nil)
}

// SetupWithOverrides installs the default logger like Setup, with separate
// levels for the components named in overrides. A component is the value of
// the "component" attribute a logger was derived with.
func SetupWithOverrides(level string, format string, overrides map[string]string) {
	slog.SetDefault(slog.New(newHandler(os.Stdout, level, format, overrides)))
}

func newHandler(w io.Writer, level string, format string, overrides map[string]string) slog.Handler {
	base := parseLevel(level)
	levels := make(map[string]slog.Level, len(overrides))
	lowest := base
	for component, l := range overrides {
		lvl := parseLevel(l)
		levels[component] = lvl
		lowest = min(lowest, lvl)
	}
	opts := &slog.HandlerOptions{
		Level: lowest,
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	if len(levels) == 0 {
		return handler
	}
	return &componentHandler{inner: handler, levels: levels, level: base}
}

// componentHandler applies a per-component level once a logger carries a
// "component" attribute.
type componentHandler struct {
	inner  slog.Handler
	levels map[string]slog.Level
	level  slog.Level
}

func (h *componentHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	lvl := h.level
	for _, a := range attrs {
		if a.Key != "component" {
			continue
		}
		if o, ok := h.levels[a.Value.String()]; ok {
			lvl = o
		}
	}
	return &componentHandler{inner: h.inner.WithAttrs(attrs), levels: h.levels, level: lvl}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{inner: h.inner.WithGroup(name), levels: h.levels, level: h.level}
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// RequestID returns the request ID stored by WithRequestID.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if requestID, ok := ctx.Value(contextKey{}).(string); ok {
		logger = logger.With("request_id", requestID)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
