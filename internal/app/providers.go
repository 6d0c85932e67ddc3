package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"fluttermcp/internal/app/discovery"
	"fluttermcp/internal/app/forwarder"
	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/config"
	"fluttermcp/internal/infra/gateway"
	"fluttermcp/internal/infra/notifications"
	"fluttermcp/internal/infra/registry"
	"fluttermcp/internal/infra/telemetry"
	"fluttermcp/internal/infra/vmservice"
)

func NewConfigLoader(cfg ServeConfig, logger *zap.Logger) *config.Loader {
	return config.NewLoader(logger).WithFlags(cfg.Flags)
}

func LoadConfig(ctx context.Context, cfg ServeConfig, loader *config.Loader) (domain.Config, error) {
	return loader.Load(ctx, cfg.ConfigPath)
}

func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func NewMetrics(reg *prometheus.Registry) domain.Metrics {
	return telemetry.NewPrometheusMetrics(reg)
}

func NewHealthTracker() *telemetry.HealthTracker {
	return telemetry.NewHealthTracker()
}

func NewEventBus() *notifications.Bus {
	return notifications.NewBus()
}

func NewRegistryStore(cfg domain.Config, bus *notifications.Bus, metrics domain.Metrics, logger *zap.Logger) *registry.Store {
	store := registry.NewStore(logger, bus, metrics)
	store.SetEnabled(cfg.DynamicRegistry.Enabled)
	return store
}

func NewVMServiceSource(cfg domain.Config, logger *zap.Logger) *vmservice.Source {
	return vmservice.NewSource(cfg.VMService, cfg.Apps, logger)
}

func NewDiscoveryService(cfg domain.Config, store *registry.Store, source *vmservice.Source, metrics domain.Metrics, logger *zap.Logger) *discovery.Service {
	return discovery.NewService(store, source, metrics, cfg.DynamicRegistry.DiscoveryTimeout(), logger)
}

func NewForwarder(cfg domain.Config, store *registry.Store, source *vmservice.Source, metrics domain.Metrics, logger *zap.Logger) *forwarder.Forwarder {
	return forwarder.New(store, source, metrics, cfg.DynamicRegistry.ForwardTimeout(), logger)
}

func NewGateway(
	cfg domain.Config,
	store *registry.Store,
	disc *discovery.Service,
	fwd *forwarder.Forwarder,
	bus *notifications.Bus,
	logger *zap.Logger,
) *gateway.Server {
	return gateway.NewServer(store, disc, fwd, gateway.Options{
		Name:          domain.DefaultServerName,
		Version:       Version,
		ExposeDynamic: cfg.DynamicRegistry.ExposeDynamicTools,
		Events:        bus,
	}, logger)
}

func NewConfigWatcher(serve ServeConfig, loader *config.Loader, cfg domain.Config, logger *zap.Logger) *config.Watcher {
	return config.NewWatcher(loader, serve.ConfigPath, cfg, logger)
}
