// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	return NewWithLevel(development, "")
}

// NewWithLevel is New with an explicit minimum level ("debug", "info",
// "warn", "error"). An empty level keeps the mode's default.
func NewWithLevel(development bool, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		mode := "prod"
		if development {
			mode = "dev"
		}
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger, nil
}
