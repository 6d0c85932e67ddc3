package app

import (
	"context"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type App struct {
	logging LoggingConfig
	logger  *zap.Logger
}

// ServeConfig selects the config file and the flags that override it.
type ServeConfig struct {
	ConfigPath string
	Flags      *pflag.FlagSet
}

type ValidateConfig struct {
	ConfigPath string
	Flags      *pflag.FlagSet
}

func New(logging LoggingConfig) *App {
	logger := logging.Logger
	if logger == nil {
		logger = zap.NewNop()
		logging.Logger = logger
	}
	return &App{
		logging: logging,
		logger:  logger.Named("app"),
	}
}

// Serve builds the runtime and blocks until ctx is done.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	application, err := InitializeApplication(ctx, cfg, a.logging)
	if err != nil {
		return err
	}
	return application.Run()
}
