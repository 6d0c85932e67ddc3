package app

import (
	"context"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/config"
)

// ValidateConfig loads and validates the configuration without connecting to
// any app. The normalized result is returned for printing.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) (domain.Config, error) {
	loader := config.NewLoader(a.logger).WithFlags(cfg.Flags)
	loaded, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return domain.Config{}, err
	}

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("apps", len(loaded.Apps)),
	)
	return loaded, nil
}
