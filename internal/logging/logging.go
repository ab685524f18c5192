package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Components derive named children from it
// (logger.Named("herohealth")) so each subsystem logs under its own channel.
func New(level, format string) (*zap.Logger, error) {
	conf := zap.NewProductionConfig()
	if format == "console" {
		conf = zap.NewDevelopmentConfig()
		conf.Development = false
	}
	conf.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	conf.DisableCaller = true

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		conf.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := conf.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("gohome"), nil
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
