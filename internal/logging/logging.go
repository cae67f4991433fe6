package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger profile
type Config struct {
	Level       string // debug, info, warn, error; empty = info (debug in development)
	Development bool
	Encoding    string // json or console; empty = json
}

// New builds a zap logger and returns it with a runtime-adjustable level
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	base := zap.NewProductionConfig()
	if cfg.Development {
		base = zap.NewDevelopmentConfig()
	}

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	base.Level = level

	switch strings.ToLower(strings.TrimSpace(cfg.Encoding)) {
	case "", "json":
		base.Encoding = "json"
	case "console":
		base.Encoding = "console"
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log encoding %q", cfg.Encoding)
	}

	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base.DisableStacktrace = !cfg.Development

	logger, err := base.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger.With(zap.String("service", "mixflow")), level, nil
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}

	if cfg.Development {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}
