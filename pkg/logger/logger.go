package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger for the given level ("debug", "info", "warn", "error").
// Format "console" produces human readable output, anything else produces JSON.
func New(level, format string) *zap.Logger {
	l, _ := NewWithLevel(level, format)
	return l
}

// NewWithLevel is New plus the handle that changes the level at runtime.
func NewWithLevel(level, format string) (*zap.Logger, zap.AtomicLevel) {
	atom := zap.NewAtomicLevelAt(ParseLevel(level))

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = atom

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop(), atom
	}
	return l.Named("tabcast"), atom
}

// ParseLevel returns the named level, or info when the name is unknown.
func ParseLevel(level string) zapcore.Level {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
