package app

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

const (
	heartbeatInterval = 5 * time.Second
	heartbeatTimeout  = 3 * heartbeatInterval
)

// Application wires the bridge runtime and its dependencies.
type Application struct {
	ctx        context.Context
	configPath string
	cfg        domain.Config
	level      zap.AtomicLevel

	logger    *zap.Logger
	registry  *prometheus.Registry
	health    *telemetry.HealthTracker
	bus       *notifications.Bus
	store     *registry.Store
	source    *vmservice.Source
	discovery *discovery.Service
	forwarder *forwarder.Forwarder
	gateway   *gateway.Server
	watcher   *config.Watcher
}

// ApplicationOptions captures dependencies and settings for Application.
type ApplicationOptions struct {
	Context     context.Context
	ServeConfig ServeConfig
	Config      domain.Config
	Logging     Logging
	Registry    *prometheus.Registry
	Health      *telemetry.HealthTracker
	Bus         *notifications.Bus
	Store       *registry.Store
	Source      *vmservice.Source
	Discovery   *discovery.Service
	Forwarder   *forwarder.Forwarder
	Gateway     *gateway.Server
	Watcher     *config.Watcher
}

// NewApplication constructs the application runtime.
func NewApplication(opts ApplicationOptions) *Application {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logging := opts.Logging
	if logging.Logger == nil || logging.Level == (zap.AtomicLevel{}) {
		logging = NewLogging(LoggingConfig{Logger: logging.Logger, Level: logging.Level})
	}
	logging.Level.SetLevel(config.Level(opts.Config.Logging).Level())
	return &Application{
		ctx:        ctx,
		configPath: opts.ServeConfig.ConfigPath,
		cfg:        opts.Config,
		level:      logging.Level,
		logger:     logging.Logger,
		registry:   opts.Registry,
		health:     opts.Health,
		bus:        opts.Bus,
		store:      opts.Store,
		source:     opts.Source,
		discovery:  opts.Discovery,
		forwarder:  opts.Forwarder,
		gateway:    opts.Gateway,
		watcher:    opts.Watcher,
	}
}

// Run starts every loop and blocks until the context ends or one loop fails.
func (a *Application) Run() error {
	cfg := a.cfg
	a.logger.Info("configuration loaded",
		zap.String("config", a.configPath),
		zap.Int("apps", len(cfg.Apps)),
		zap.Bool("dynamic_registry", cfg.DynamicRegistry.Enabled),
		zap.String("transport", string(cfg.Transport.Kind)),
	)

	group, ctx := errgroup.WithContext(a.ctx)

	group.Go(func() error { return a.source.Run(ctx) })
	group.Go(func() error { return a.discovery.Run(ctx, a.source) })
	group.Go(func() error { return a.gateway.RunMirror(ctx) })
	group.Go(func() error {
		return telemetry.RunEventLogger(ctx, a.bus, a.logger)
	})
	group.Go(func() error {
		return telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:          cfg.Observability.ListenAddress,
			EnableMetrics: cfg.Observability.Metrics,
			EnableHealthz: cfg.Observability.Healthz,
			Health:        a.health,
			Registry:      a.registry,
		}, a.logger)
	})
	group.Go(func() error {
		return a.watcher.Run(ctx, a.applyConfig)
	})
	group.Go(func() error {
		a.runHeartbeat(ctx)
		return nil
	})
	group.Go(func() error {
		err := a.gateway.Serve(ctx, cfg.Transport)
		if err == nil && ctx.Err() == nil {
			// stdio peer hung up
			return errTransportClosed
		}
		return err
	})

	err := group.Wait()
	a.discovery.WaitIdle()
	if errors.Is(err, errTransportClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errTransportClosed = errors.New("mcp transport closed")

func (a *Application) runHeartbeat(ctx context.Context) {
	beat := a.health.Register("core", heartbeatTimeout)
	beat.Beat()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat.Beat()
		}
	}
}

// applyConfig hot-applies the settings that do not require a restart.
func (a *Application) applyConfig(_ context.Context, update domain.ConfigUpdate) {
	next := update.Config
	prev := a.cfg

	a.level.SetLevel(config.Level(next.Logging).Level())

	wasEnabled := a.store.Enabled()
	a.store.SetEnabled(next.DynamicRegistry.Enabled)
	a.forwarder.SetTimeout(next.DynamicRegistry.ForwardTimeout())
	a.discovery.SetTimeout(next.DynamicRegistry.DiscoveryTimeout())
	a.gateway.SetExposeDynamic(next.DynamicRegistry.ExposeDynamicTools)
	a.source.SetConfig(next.VMService)
	a.source.UpdateTargets(next.Apps)
	a.gateway.Sync()

	if !wasEnabled && next.DynamicRegistry.Enabled {
		a.source.Reannounce()
	}

	if prev.Transport != next.Transport || prev.Observability != next.Observability {
		a.logger.Warn("transport or observability settings changed; restart required to apply",
			zap.Uint64("revision", update.Revision),
		)
	}
	a.cfg = next
	a.logger.Info("configuration applied",
		zap.Uint64("revision", update.Revision),
		zap.String("source", string(update.Source)),
		zap.Int("apps", len(next.Apps)),
		zap.Bool("dynamic_registry", next.DynamicRegistry.Enabled),
	)
}
