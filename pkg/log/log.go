// Package log provides structured logging for credfill.
// It wraps zerolog to provide a consistent logging interface with support
// for JSON and console output formats, log levels, and context propagation.
//
// Logs go to stderr by default: stdout is reserved for the credential
// protocol when credfill runs as a helper.
package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides structured logging with context support.
type Logger interface {
	// Debug logs a message at debug level.
	Debug() Event
	// Info logs a message at info level.
	Info() Event
	// Warn logs a message at warn level.
	Warn() Event
	// Error logs a message at error level.
	Error() Event

	// With returns a new Logger with the given key-value pair added to the context.
	With(key string, value interface{}) Logger
	// WithError returns a new Logger with the error added to the context.
	WithError(err error) Logger
	// WithContext returns a new Logger with values from the context (e.g., resolve ID).
	WithContext(ctx context.Context) Logger

	// Underlying returns the underlying zerolog.Logger for advanced usage.
	Underlying() *zerolog.Logger
}

// Event represents a log event that can have fields added before being sent.
type Event interface {
	// Str adds a string field to the event.
	Str(key, val string) Event
	// Strs adds a string slice field to the event.
	Strs(key string, vals []string) Event
	// Int adds an integer field to the event.
	Int(key string, val int) Event
	// Bool adds a boolean field to the event.
	Bool(key string, val bool) Event
	// Dur adds a duration field to the event.
	Dur(key string, val time.Duration) Event
	// Object adds a field rendered by the value's own marshaler. Credential
	// records use this to keep the password out of the output.
	Object(key string, obj zerolog.LogObjectMarshaler) Event
	// Err adds an error field to the event.
	Err(err error) Event
	// Msg sends the event with the given message.
	Msg(msg string)
	// Msgf sends the event with the formatted message.
	Msgf(format string, args ...interface{})
}

// logger wraps zerolog.Logger to implement the Logger interface.
type logger struct {
	zl zerolog.Logger
}

// event wraps zerolog.Event to implement the Event interface.
type event struct {
	ze *zerolog.Event
}

// New creates a new Logger with the specified level and format writing to stderr.
// Level should be one of: debug, info, warn, error.
// Format should be one of: json, console.
func New(level, format string) Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a new Logger with a custom writer.
func NewWithWriter(level, format string, w io.Writer) Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = false

	var output io.Writer = w
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	zl := zerolog.New(output).With().Timestamp().Logger()
	zl = zl.Level(ParseLevel(level))

	return &logger{zl: zl}
}

// NewNop creates a no-op logger that discards all output.
// Useful for testing.
func NewNop() Logger {
	return &logger{zl: zerolog.Nop()}
}

// ParseLevel converts a string level to zerolog.Level, defaulting to warn.
// credfill is usually run by another program, so it stays quiet unless asked.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}

func (l *logger) Debug() Event {
	return &event{ze: l.zl.Debug()}
}

func (l *logger) Info() Event {
	return &event{ze: l.zl.Info()}
}

func (l *logger) Warn() Event {
	return &event{ze: l.zl.Warn()}
}

func (l *logger) Error() Event {
	return &event{ze: l.zl.Error()}
}

func (l *logger) With(key string, value interface{}) Logger {
	return &logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *logger) WithError(err error) Logger {
	return &logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	newLogger := l.zl

	if resolveID := ResolveIDFromContext(ctx); resolveID != "" {
		newLogger = newLogger.With().Str("resolve_id", resolveID).Logger()
	}

	if command := CommandFromContext(ctx); command != "" {
		newLogger = newLogger.With().Str("command", command).Logger()
	}

	return &logger{zl: newLogger}
}

func (l *logger) Underlying() *zerolog.Logger {
	return &l.zl
}

func (e *event) Str(key, val string) Event {
	e.ze = e.ze.Str(key, val)
	return e
}

func (e *event) Strs(key string, vals []string) Event {
	e.ze = e.ze.Strs(key, vals)
	return e
}

func (e *event) Int(key string, val int) Event {
	e.ze = e.ze.Int(key, val)
	return e
}

func (e *event) Bool(key string, val bool) Event {
	e.ze = e.ze.Bool(key, val)
	return e
}

func (e *event) Dur(key string, val time.Duration) Event {
	e.ze = e.ze.Dur(key, val)
	return e
}

func (e *event) Object(key string, obj zerolog.LogObjectMarshaler) Event {
	e.ze = e.ze.Object(key, obj)
	return e
}

func (e *event) Err(err error) Event {
	e.ze = e.ze.Err(err)
	return e
}

func (e *event) Msg(msg string) {
	e.ze.Msg(msg)
}

func (e *event) Msgf(format string, args ...interface{}) {
	e.ze.Msgf(format, args...)
}

type contextKey string

const (
	resolveIDKey contextKey = "resolve_id"
	commandKey   contextKey = "command"
	loggerKey    contextKey = "logger"
)

// ContextWithResolveID adds a resolve ID to the context.
func ContextWithResolveID(ctx context.Context, resolveID string) context.Context {
	return context.WithValue(ctx, resolveIDKey, resolveID)
}

// ResolveIDFromContext extracts the resolve ID from the context.
func ResolveIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(resolveIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithCommand adds the CLI command name to the context.
func ContextWithCommand(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, commandKey, command)
}

// CommandFromContext extracts the CLI command name from the context.
func CommandFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(commandKey).(string); ok {
		return c
	}
	return ""
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext extracts the logger from the context.
// Returns a no-op logger if none is present.
func FromContext(ctx context.Context) Logger {
	if log, ok := ctx.Value(loggerKey).(Logger); ok {
		return log
	}
	return NewNop()
}
