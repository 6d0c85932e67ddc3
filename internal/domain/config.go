package domain

import "time"

// TransportKind selects how the MCP server is exposed.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// Config is the normalized process configuration.
type Config struct {
	DynamicRegistry DynamicRegistryConfig
	Apps            []AppTarget
	VMService       VMServiceConfig
	Transport       TransportConfig
	Observability   ObservabilityConfig
	Logging         LoggingConfig
}

// DynamicRegistryConfig gates and tunes the dynamic registry subsystem.
type DynamicRegistryConfig struct {
	Enabled                 bool
	ExposeDynamicTools      bool
	DiscoveryTimeoutSeconds int
	ForwardTimeoutSeconds   int
}

// AppTarget is a Flutter app reachable through its VM service.
type AppTarget struct {
	Name         string
	VMServiceURI string
}

type VMServiceConfig struct {
	ReconnectBaseSeconds  int
	ReconnectMaxSeconds   int
	RequestTimeoutSeconds int
	// PingIntervalSeconds probes idle sessions; zero disables probing.
	PingIntervalSeconds   int
}

type TransportConfig struct {
	Kind     TransportKind
	HTTPAddr string
	HTTPPath string
}

type ObservabilityConfig struct {
	ListenAddress string
	Metrics       bool
	Healthz       bool
}

type LoggingConfig struct {
	Level string
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() Config {
	return Config{
		DynamicRegistry: DynamicRegistryConfig{
			Enabled:                 DefaultDynamicRegistryEnabled,
			ExposeDynamicTools:      DefaultExposeDynamicTools,
			DiscoveryTimeoutSeconds: DefaultDiscoveryTimeoutSeconds,
			ForwardTimeoutSeconds:   DefaultForwardTimeoutSeconds,
		},
		VMService: VMServiceConfig{
			ReconnectBaseSeconds:  DefaultReconnectBaseSeconds,
			ReconnectMaxSeconds:   DefaultReconnectMaxSeconds,
			RequestTimeoutSeconds: DefaultVMServiceRequestTimeout,
			PingIntervalSeconds:   DefaultVMServicePingSeconds,
		},
		Transport: TransportConfig{
			Kind:     DefaultTransportKind,
			HTTPAddr: DefaultHTTPAddr,
			HTTPPath: DefaultHTTPPath,
		},
		Observability: ObservabilityConfig{
			ListenAddress: DefaultObservabilityListenAddress,
			Metrics:       DefaultObservabilityMetrics,
			Healthz:       DefaultObservabilityHealthz,
		},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

func (c DynamicRegistryConfig) DiscoveryTimeout() time.Duration {
	return secondsToDuration(c.DiscoveryTimeoutSeconds)
}

// ForwardTimeout bounds forwarded calls; zero means unbounded.
func (c DynamicRegistryConfig) ForwardTimeout() time.Duration {
	return secondsToDuration(c.ForwardTimeoutSeconds)
}

func (c VMServiceConfig) ReconnectBase() time.Duration {
	return secondsToDuration(c.ReconnectBaseSeconds)
}

func (c VMServiceConfig) ReconnectMax() time.Duration {
	return secondsToDuration(c.ReconnectMaxSeconds)
}

func (c VMServiceConfig) RequestTimeout() time.Duration {
	return secondsToDuration(c.RequestTimeoutSeconds)
}

func (c VMServiceConfig) PingInterval() time.Duration {
	return secondsToDuration(c.PingIntervalSeconds)
}

func secondsToDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// ConfigUpdate carries a reloaded configuration.
type ConfigUpdate struct {
	Config   Config
	Revision uint64
	Source   ConfigUpdateSource
}

type ConfigUpdateSource string

const (
	ConfigUpdateSourceWatch  ConfigUpdateSource = "watch"
	ConfigUpdateSourceManual ConfigUpdateSource = "manual"
)
