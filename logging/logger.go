package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel selects the minimum severity a backend emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var levelNames = map[string]LogLevel{
	"debug":   LogLevelDebug,
	"":        LogLevelInfo,
	"info":    LogLevelInfo,
	"warn":    LogLevelWarn,
	"warning": LogLevelWarn,
	"error":   LogLevelError,
}

// ParseLevel maps a case-insensitive level name from configuration.
func ParseLevel(s string) (LogLevel, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}

	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger is the logging surface every package depends on. msg is a dotted
// event name and args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter is the slog backend. The embedded *slog.Logger already has the
// Logger method set.
type SlogAdapter struct {
	*slog.Logger
}

// With returns a child logger carrying the given key/value pairs.
func (s *SlogAdapter) With(args ...any) Logger {
	return &SlogAdapter{Logger: s.Logger.With(args...)}
}

// LoggerConfig configures construction of a slog backed Logger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
	Attrs     map[string]any
}

// NewLogger builds a slog backed Logger. A nil config means JSON at info
// level on stderr.
func NewLogger(cfg *LoggerConfig) Logger {
	if cfg == nil {
		cfg = &LoggerConfig{Level: LogLevelInfo}
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Component != "" {
		logger = logger.With("component", cfg.Component)
	}

	for k, v := range cfg.Attrs {
		logger = logger.With(k, v)
	}

	return &SlogAdapter{Logger: logger}
}

// NewSlogLogger creates a slog backed Logger with the given level and format.
func NewSlogLogger(level LogLevel, format string, addSource bool) Logger {
	return NewLogger(&LoggerConfig{Level: level, Format: format, AddSource: addSource})
}

func slogLevel(l LogLevel) slog.Level {
	// slog spaces its levels four apart starting at debug (-4).
	return slog.Level(4 * (int(l) - 1))
}

// With attaches key/value pairs to every message emitted through the
// returned logger. Backends that support native child loggers are used
// directly; others get a wrapper that prepends the pairs.
func With(l Logger, args ...any) Logger {
	if l == nil {
		return NoOpLogger{}
	}

	if len(args) == 0 {
		return l
	}

	if w, ok := l.(interface{ With(args ...any) Logger }); ok {
		return w.With(args...)
	}

	return &prefixLogger{next: l, args: args}
}

type prefixLogger struct {
	next Logger
	args []any
}

func (p *prefixLogger) merge(args []any) []any {
	out := make([]any, 0, len(p.args)+len(args))
	out = append(out, p.args...)
	return append(out, args...)
}

func (p *prefixLogger) Debug(msg string, args ...any) { p.next.Debug(msg, p.merge(args)...) }
func (p *prefixLogger) Info(msg string, args ...any)  { p.next.Info(msg, p.merge(args)...) }
func (p *prefixLogger) Warn(msg string, args ...any)  { p.next.Warn(msg, p.merge(args)...) }
func (p *prefixLogger) Error(msg string, args ...any) { p.next.Error(msg, p.merge(args)...) }

// NoOpLogger discards everything. It is the default wherever a logger is optional.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}
