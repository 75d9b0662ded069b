// Package xlog is a thin, context-aware structured logging facade over
// go.uber.org/zap, matching the shape the wider trace-processing
// system's own logging package presents to every component (a small
// leveled interface plus With/WithName binding) so components never
// import zap directly.
package xlog

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a single structured logging key/value pair.
type Field = zap.Field

// String, Int, Uint64, Error, and friends are re-exported field
// constructors so callers never import zap directly.
var (
	String = zap.String
	Int    = zap.Int
	Uint64 = zap.Uint64
	Error  = zap.Error
	Bool   = zap.Bool
	Any    = zap.Any
)

// Logger is the leveled, structured logger every component in this
// module takes as a dependency rather than reaching for a package-level
// global.
type Logger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Fatal(ctx context.Context, msg string, fields ...Field)

	With(fields ...Field) Logger
	WithName(name string) Logger
}

type zapLogger struct {
	l *zap.Logger
}

// New returns a Logger backed by a production zap configuration:
// JSON-encoded, ISO8601 timestamps, info level and above.
func New() (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewDevelopment returns a Logger backed by zap's console-friendly
// development configuration, for CLI runs and tests.
func NewDevelopment() (Logger, error) {
	l, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewNop returns a Logger that discards everything, for tests that need
// a collaborator but not its output.
func NewNop() Logger { return &zapLogger{l: zap.NewNop()} }

// Trace has no zap equivalent below Debug; it logs at Debug with a
// trace=true field rather than silently downgrading messages callers
// expect to be visible at their own dedicated level.
func (z *zapLogger) Trace(_ context.Context, msg string, fields ...Field) {
	z.l.Debug(msg, append(fields, zap.Bool("trace", true))...)
}

func (z *zapLogger) Debug(_ context.Context, msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(_ context.Context, msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(_ context.Context, msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(_ context.Context, msg string, fields ...Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) Fatal(_ context.Context, msg string, fields ...Field) { z.l.Fatal(msg, fields...) }

func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

func (z *zapLogger) WithName(name string) Logger {
	return &zapLogger{l: z.l.Named(name)}
}
