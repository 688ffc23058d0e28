package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger, accepting a Fields set on every call instead of
// variadic zap.Field construction at each call site.
type Logger struct {
	z *zap.Logger
}

// New builds a production-configured Logger at the given level ("debug",
// "info", "warn", "error"). An empty level defaults to "info".
func New(level string) (*Logger, error) {
	var lvl zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.Set(level); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// Nop returns a Logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// WithComponent returns a child logger with a component field fixed for
// every subsequent call, mirroring the "scoped logger per subsystem" pattern
// used throughout the fabric's components.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{z: l.z.With(zap.String("component", name))}
}

func (f Fields) zapFields() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *Logger) Debug(msg string, f Fields) { l.z.Debug(msg, f.zapFields()...) }
func (l *Logger) Info(msg string, f Fields)  { l.z.Info(msg, f.zapFields()...) }
func (l *Logger) Warn(msg string, f Fields)  { l.z.Warn(msg, f.zapFields()...) }
func (l *Logger) Error(msg string, f Fields) { l.z.Error(msg, f.zapFields()...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }

// AsLogr adapts this Logger to the logr.Logger interface expected by some of
// the wired dependencies' glue code.
func (l *Logger) AsLogr() logr.Logger {
	return zapr.NewLogger(l.z)
}
