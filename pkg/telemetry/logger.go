package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger scoped with host, run and intent fields.
// Library packages take the zerolog.Logger returned by Zerolog.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

type loggerContextKey struct{}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// ParseLevel maps a level name to a zerolog level. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	if l, ok := logLevels[level]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// NewLogger opens cfg.Output and builds a logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, closer, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	l := NewLoggerWithWriter(w, cfg)
	l.closer = closer
	return l, nil
}

func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

// NewLoggerWithWriter builds a logger writing to w, ignoring cfg.Output.
func NewLoggerWithWriter(w io.Writer, cfg LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}

	zctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog}
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	default:
		return time.RFC3339
	}
}

// FromContext returns the logger stored by WithContext, or a stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close closes the log file when Output named one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) child(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField returns a child logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithHost tags the conductor a line is about.
func (l *Logger) WithHost(host string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("host", host) })
}

// WithRunID tags lines with a converge run.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

// WithIntent tags lines with an intent identifier such as
// "File[/tftpboot]" and its kind.
func (l *Logger) WithIntent(id, kind string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("intent", id).Str("kind", kind) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Errorf logs a formatted error line.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}
