//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"
)

var CoreInfraSet = wire.NewSet(
	NewLogging,
	NewLogger,
	NewConfigLoader,
	LoadConfig,
	NewMetricsRegistry,
	NewMetrics,
	NewHealthTracker,
	NewEventBus,
)

var RegistrySet = wire.NewSet(
	NewRegistryStore,
	NewVMServiceSource,
	NewDiscoveryService,
	NewForwarder,
	NewGateway,
	NewConfigWatcher,
)

var AppSet = wire.NewSet(
	CoreInfraSet,
	RegistrySet,
	wire.Struct(new(ApplicationOptions), "*"),
	NewApplication,
)
