// Package logging provides the structured logging interface used
// throughout vectra. It wraps zap so call sites never import zap
// directly.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the logging interface used across the engine. It mirrors
// the key-value style of a leveled logger: callers pass alternating
// key/value pairs as context.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New wraps an existing zap.Logger.
func New(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

// NewProduction builds a JSON production logger writing to stderr.
func NewProduction() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return New(z)
}

// NewDevelopment builds a human-readable console logger.
func NewDevelopment() Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return New(z)
}

// Nop returns a logger that discards everything, for tests.
func Nop() Logger {
	return New(zap.NewNop())
}

func (l *zapLogger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l *zapLogger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l *zapLogger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l *zapLogger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }

func (l *zapLogger) With(keyvals ...any) Logger {
	return &zapLogger{s: l.s.With(keyvals...)}
}
