// Package logger wraps zap with a level string and an optional console
// encoder for local development.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger holds the process-wide zap logger. Log is a no-op logger until Init
// succeeds.
type Logger struct {
	Log    *zap.Logger
	pretty bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithPretty switches to the coloured console encoder.
func WithPretty(pretty bool) Option {
	return func(l *Logger) { l.pretty = pretty }
}

// New returns a Logger with a no-op zap logger.
func New(opts ...Option) *Logger {
	l := &Logger{Log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init builds the zap logger for level ("debug", "info", "warn", "error").
func (l *Logger) Init(level string) error {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if l.pretty {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	l.Log = zl
	return nil
}
