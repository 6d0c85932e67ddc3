package app

import (
	"fmt"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/config"
)

// LoggingConfig configures logging wiring.
type LoggingConfig struct {
	Logger *zap.Logger
	// Level is adjusted when a reloaded config changes logging.level.
	Level zap.AtomicLevel
}

// Logging bundles the logger and its adjustable level.
type Logging struct {
	Logger *zap.Logger
	Level  zap.AtomicLevel
}

// NewLogging constructs logging dependencies.
func NewLogging(cfg LoggingConfig) Logging {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	level := cfg.Level
	if level == (zap.AtomicLevel{}) {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return Logging{Logger: logger.Named("app"), Level: level}
}

// NewLogger returns the logger from a Logging bundle.
func NewLogger(logging Logging) *zap.Logger {
	return logging.Logger
}

// NewProductionLogging builds a JSON logger on stderr so the stdio transport
// keeps stdout to itself.
func NewProductionLogging(level string) (LoggingConfig, error) {
	atomic := config.Level(domain.LoggingConfig{Level: level})
	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return LoggingConfig{}, fmt.Errorf("build logger: %w", err)
	}
	return LoggingConfig{Logger: logger, Level: atomic}, nil
}
