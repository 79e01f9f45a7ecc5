// Package camlog is the logging facade used across the orchestrator.
// Components depend on the Logger interface; the process installs a
// zap-backed implementation with ReplaceGlobal at startup.
package camlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured logging field (zap-style).
type Field struct {
	Key   string
	Value any
}

// ---- Field helpers ----

func String(key, val string) Field    { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field  { return Field{Key: key, Value: val} }
func Int(key string, val int) Field    { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field { return Field{Key: key, Value: val} }
func Uint32(key string, val uint32) Field {
	return Field{Key: key, Value: val}
}
func Uint64(key string, val uint64) Field {
	return Field{Key: key, Value: val}
}
func Float64(key string, val float64) Field {
	return Field{Key: key, Value: val}
}
func Time(key string, v time.Time) Field         { return Field{Key: key, Value: v} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d} }
func Stringer(key string, v fmt.Stringer) Field  { return Field{Key: key, Value: v} }
func Any(key string, val any) Field              { return Field{Key: key, Value: val} }
func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is the project-wide logging interface.
type Logger interface {
	// Named returns a child logger with the given component name appended.
	Named(name string) Logger
	// With returns a child logger that includes the provided fields.
	With(fields ...Field) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// ---- Global logger accessors ----

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewNop()
)

// L returns the current global logger.
func L() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	return l
}

// ReplaceGlobal swaps the global logger implementation.
func ReplaceGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// ---- zap-backed implementation ----

// Options selects the zap encoder and level.
type Options struct {
	Level       string   // debug, info, warn, error
	Format      string   // json, console
	OutputPaths []string // defaults to stderr
	Development bool
}

type zapLogger struct {
	z *zap.Logger
}

// NewZap builds a Logger from Options.
func NewZap(opts Options) (Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch opts.Format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return &zapLogger{z: z}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &zapLogger{z: zap.NewNop()}
}

// Sync flushes any buffered entries if l is zap-backed.
func Sync(l Logger) error {
	if zl, ok := l.(*zapLogger); ok {
		return zl.z.Sync()
	}
	return nil
}

func (l *zapLogger) Named(name string) Logger {
	if name == "" {
		return l
	}
	return &zapLogger{z: l.z.Named(name)}
}

func (l *zapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &zapLogger{z: l.z.With(toZap(fields)...)}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		switch v := f.Value.(type) {
		case nil:
			out = append(out, zap.Skip())
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		case time.Time:
			out = append(out, zap.Time(f.Key, v))
		case fmt.Stringer:
			out = append(out, zap.Stringer(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
