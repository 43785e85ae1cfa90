// Package logging configures the structured logger shared by every component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with service defaults.
//
// All methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// Options selects level, format and destination.
type Options struct {
	Level   string
	Format  string
	Output  io.Writer
	Service string
	Version string
	Env     string
}

// New creates a Logger. Format "text" selects the text handler, anything
// else JSON. A nil Output writes to stdout.
func New(opts Options) *Logger {
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "text":
		handler = slog.NewTextHandler(output, hopts)
	default:
		handler = slog.NewJSONHandler(output, hopts)
	}

	service := opts.Service
	if service == "" {
		service = "signalsim"
	}
	attrs := []slog.Attr{slog.String("service", service)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}
	if opts.Env != "" {
		attrs = append(attrs, slog.String("env", opts.Env))
	}
	return &Logger{Logger: slog.New(handler.WithAttrs(attrs))}
}

// parseLevel converts a level name to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger carrying additional attributes.
//
//	mqttLog := logger.With("component", "mqtt")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
