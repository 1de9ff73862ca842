package telemetry

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger shared by the sandbox, heal and execution
// components. Child loggers share the parent's output.
type Logger struct {
	zlog zerolog.Logger
	out  io.Closer
}

// NewLogger opens the configured output and builds a logger on it. Any
// output other than stdout or stderr is a file path, created on demand and
// appended to.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "stdout":
		return NewLoggerWithWriter(cfg, os.Stdout), nil
	case "stderr", "":
		return NewLoggerWithWriter(cfg, os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := NewLoggerWithWriter(cfg, file)
	l.out = file
	return l, nil
}

// NewLoggerWithWriter builds a logger that writes to w.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	fieldFormat, consoleFormat := timeFormats(cfg.TimeFormat)
	zerolog.TimeFieldFormat = fieldFormat

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleFormat}
	}

	zctx := zerolog.New(w).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger().Level(parseLogLevel(cfg.Level))

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Close releases a file output. Loggers on stdout or stderr, and child
// loggers, have nothing to close.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

func (l *Logger) with(zctx zerolog.Context) *Logger {
	return &Logger{zlog: zctx.Logger()}
}

// NewComponentLogger tags every entry with the component name.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(l.zlog.With().Str("component", component))
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(l.zlog.With().Fields(fields))
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value))
}

func (l *Logger) WithSessionID(sessionID string) *Logger {
	return l.with(l.zlog.With().Str("session_id", sessionID))
}

func (l *Logger) WithExecutionID(executionID string) *Logger {
	return l.with(l.zlog.With().Str("execution_id", executionID))
}

// WithSignal tags entries with a pain signal's type and severity.
func (l *Logger) WithSignal(painType, severity string) *Logger {
	return l.with(l.zlog.With().Str("pain_type", painType).Str("severity", severity))
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

// Infof logs a formatted info-level message.
func (l *Logger) Infof(format string, args ...interface{}) { l.zlog.Info().Msgf(format, args...) }

func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// parseLogLevel falls back to info for empty or unknown levels.
func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// timeFormats maps a configured time format to the JSON field format and
// the console writer's display format.
func timeFormats(name string) (field, console string) {
	switch name {
	case "unix":
		return zerolog.TimeFormatUnix, "unix"
	case "unixms":
		return zerolog.TimeFormatUnixMs, time.Kitchen
	default:
		return time.RFC3339, time.Kitchen
	}
}
