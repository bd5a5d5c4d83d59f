// Package logger holds the process-wide slog setup shared by every
// relaydesk component, plus context helpers for request-scoped loggers.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// L is the global logger. Init replaces it; FromContext yields a
// request-scoped one when the middleware has stored it.
var (
	L      = slog.Default()
	logKey = ctxKey{}
)

// Init rebuilds the global logger from the [log] config section. Level is
// one of debug, info, warn or error; format selects text or json output.
func Init(level, format string) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	L = slog.New(handler)
	slog.SetDefault(L)
}

// FromContext returns the logger stored in ctx, falling back to the
// global one.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(logKey).(*slog.Logger); ok {
		return l
	}
	return L
}

// WithContext returns a child context carrying l.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, logKey, l)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs through the global logger.
func Debug(msg string, args ...any) { L.Debug(msg, args...) }

// Info logs through the global logger.
func Info(msg string, args ...any) { L.Info(msg, args...) }

// Warn logs through the global logger.
func Warn(msg string, args ...any) { L.Warn(msg, args...) }

// Error logs through the global logger.
func Error(msg string, args ...any) { L.Error(msg, args...) }
