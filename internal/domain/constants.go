package domain

const (
	DefaultDynamicRegistryEnabled     = true
	DefaultExposeDynamicTools         = true
	DefaultDiscoveryTimeoutSeconds    = 10
	DefaultForwardTimeoutSeconds      = 30
	DefaultReconnectBaseSeconds       = 1
	DefaultReconnectMaxSeconds        = 30
	DefaultVMServiceRequestTimeout    = 15
	DefaultVMServicePingSeconds       = 10
	DefaultTransportKind              = TransportStdio
	DefaultHTTPAddr                   = "127.0.0.1:8090"
	DefaultHTTPPath                   = "/mcp"
	DefaultObservabilityListenAddress = "127.0.0.1:9464"
	DefaultObservabilityMetrics       = false
	DefaultObservabilityHealthz       = false
	DefaultLogLevel                   = "info"
	DefaultServerName                 = "fluttermcp"
)

