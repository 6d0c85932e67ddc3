package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

// FlagKeys maps CLI flag names onto config keys. Only flags present in the
// bound set are wired; a flag overrides the file only when it was changed.
var FlagKeys = map[string]string{
	"dynamic-registry":   "dynamicRegistry.enabled",
	"expose-dynamic":     "dynamicRegistry.exposeDynamicTools",
	"discovery-timeout":  "dynamicRegistry.discoveryTimeoutSeconds",
	"forward-timeout":    "dynamicRegistry.forwardTimeoutSeconds",
	"transport":          "transport.kind",
	"http-addr":          "transport.httpAddr",
	"http-path":          "transport.httpPath",
	"observability-addr": "observability.listenAddress",
	"metrics":            "observability.metrics",
	"healthz":            "observability.healthz",
	"log-level":          "logging.level",
	"vm-request-timeout": "vmService.requestTimeoutSeconds",
	"vm-reconnect-base":  "vmService.reconnectBaseSeconds",
	"vm-reconnect-max":   "vmService.reconnectMaxSeconds",
	"vm-ping-interval":   "vmService.pingIntervalSeconds",
}

type Loader struct {
	logger *zap.Logger
	flags  *pflag.FlagSet
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("config")}
}

// WithFlags returns a loader whose changed flags take precedence over the file.
func (l *Loader) WithFlags(flags *pflag.FlagSet) *Loader {
	clone := *l
	clone.flags = flags
	return &clone
}

type rawConfig struct {
	DynamicRegistry rawDynamicRegistry `mapstructure:"dynamicRegistry"`
	Apps            []rawApp           `mapstructure:"apps"`
	VMService       rawVMService       `mapstructure:"vmService"`
	Transport       rawTransport       `mapstructure:"transport"`
	Observability   rawObservability   `mapstructure:"observability"`
	Logging         rawLogging         `mapstructure:"logging"`
}

type rawDynamicRegistry struct {
	Enabled                 bool `mapstructure:"enabled"`
	ExposeDynamicTools      bool `mapstructure:"exposeDynamicTools"`
	DiscoveryTimeoutSeconds int  `mapstructure:"discoveryTimeoutSeconds"`
	ForwardTimeoutSeconds   int  `mapstructure:"forwardTimeoutSeconds"`
}

type rawApp struct {
	Name         string `mapstructure:"name"`
	VMServiceURI string `mapstructure:"vmServiceUri"`
}

type rawVMService struct {
	ReconnectBaseSeconds  int `mapstructure:"reconnectBaseSeconds"`
	ReconnectMaxSeconds   int `mapstructure:"reconnectMaxSeconds"`
	RequestTimeoutSeconds int `mapstructure:"requestTimeoutSeconds"`
	PingIntervalSeconds   int `mapstructure:"pingIntervalSeconds"`
}

type rawTransport struct {
	Kind     string `mapstructure:"kind"`
	HTTPAddr string `mapstructure:"httpAddr"`
	HTTPPath string `mapstructure:"httpPath"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
	Metrics       bool   `mapstructure:"metrics"`
	Healthz       bool   `mapstructure:"healthz"`
}

type rawLogging struct {
	Level string `mapstructure:"level"`
}

// EnvPrefix namespaces environment overrides, e.g.
// FLUTTERMCP_OBSERVABILITY_METRICS=true.
const EnvPrefix = "FLUTTERMCP"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dynamicRegistry.enabled", domain.DefaultDynamicRegistryEnabled)
	v.SetDefault("dynamicRegistry.exposeDynamicTools", domain.DefaultExposeDynamicTools)
	v.SetDefault("dynamicRegistry.discoveryTimeoutSeconds", domain.DefaultDiscoveryTimeoutSeconds)
	v.SetDefault("dynamicRegistry.forwardTimeoutSeconds", domain.DefaultForwardTimeoutSeconds)
	v.SetDefault("vmService.reconnectBaseSeconds", domain.DefaultReconnectBaseSeconds)
	v.SetDefault("vmService.reconnectMaxSeconds", domain.DefaultReconnectMaxSeconds)
	v.SetDefault("vmService.requestTimeoutSeconds", domain.DefaultVMServiceRequestTimeout)
	v.SetDefault("vmService.pingIntervalSeconds", domain.DefaultVMServicePingSeconds)
	v.SetDefault("transport.kind", string(domain.DefaultTransportKind))
	v.SetDefault("transport.httpAddr", domain.DefaultHTTPAddr)
	v.SetDefault("transport.httpPath", domain.DefaultHTTPPath)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.metrics", domain.DefaultObservabilityMetrics)
	v.SetDefault("observability.healthz", domain.DefaultObservabilityHealthz)
	v.SetDefault("logging.level", domain.DefaultLogLevel)
}

// Load reads, expands and validates the config at path. An empty path yields
// defaults plus any flag overrides.
func (l *Loader) Load(ctx context.Context, path string) (domain.Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return domain.Config{}, fmt.Errorf("read config: %w", err)
		}
		data = raw
	}
	return l.Parse(ctx, data)
}

// Parse decodes config bytes. Empty input is valid.
func (l *Loader) Parse(ctx context.Context, data []byte) (domain.Config, error) {
	v := newViper()
	if err := l.bindFlags(v); err != nil {
		return domain.Config{}, err
	}

	if len(bytes.TrimSpace(data)) > 0 {
		expanded, missing, err := expandConfigEnv(data)
		if err != nil {
			return domain.Config{}, err
		}
		if len(missing) > 0 {
			l.logger.Warn("config references unset environment variables", zap.Strings("vars", missing))
		}
		if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
			return domain.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return domain.Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return domain.Config{}, err
	}

	cfg, validationErrors := normalizeConfig(raw)
	if len(validationErrors) > 0 {
		return domain.Config{}, errors.New(strings.Join(validationErrors, "; "))
	}
	return cfg, nil
}

func (l *Loader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range FlagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func normalizeConfig(raw rawConfig) (domain.Config, []string) {
	var errs []string

	cfg := domain.Config{
		DynamicRegistry: domain.DynamicRegistryConfig{
			Enabled:                 raw.DynamicRegistry.Enabled,
			ExposeDynamicTools:      raw.DynamicRegistry.ExposeDynamicTools,
			DiscoveryTimeoutSeconds: raw.DynamicRegistry.DiscoveryTimeoutSeconds,
			ForwardTimeoutSeconds:   raw.DynamicRegistry.ForwardTimeoutSeconds,
		},
		VMService: domain.VMServiceConfig{
			ReconnectBaseSeconds:  raw.VMService.ReconnectBaseSeconds,
			ReconnectMaxSeconds:   raw.VMService.ReconnectMaxSeconds,
			RequestTimeoutSeconds: raw.VMService.RequestTimeoutSeconds,
			PingIntervalSeconds:   raw.VMService.PingIntervalSeconds,
		},
		Transport: domain.TransportConfig{
			Kind:     domain.TransportKind(strings.ToLower(strings.TrimSpace(raw.Transport.Kind))),
			HTTPAddr: strings.TrimSpace(raw.Transport.HTTPAddr),
			HTTPPath: strings.TrimSpace(raw.Transport.HTTPPath),
		},
		Observability: domain.ObservabilityConfig{
			ListenAddress: strings.TrimSpace(raw.Observability.ListenAddress),
			Metrics:       raw.Observability.Metrics,
			Healthz:       raw.Observability.Healthz,
		},
		Logging: domain.LoggingConfig{Level: strings.ToLower(strings.TrimSpace(raw.Logging.Level))},
	}

	if cfg.DynamicRegistry.DiscoveryTimeoutSeconds <= 0 {
		errs = append(errs, "dynamicRegistry.discoveryTimeoutSeconds must be > 0")
	}
	if cfg.DynamicRegistry.ForwardTimeoutSeconds < 0 {
		errs = append(errs, "dynamicRegistry.forwardTimeoutSeconds must be >= 0")
	}
	if cfg.VMService.ReconnectBaseSeconds <= 0 {
		errs = append(errs, "vmService.reconnectBaseSeconds must be > 0")
	}
	if cfg.VMService.ReconnectMaxSeconds < cfg.VMService.ReconnectBaseSeconds {
		errs = append(errs, "vmService.reconnectMaxSeconds must be >= reconnectBaseSeconds")
	}
	if cfg.VMService.RequestTimeoutSeconds < 0 {
		errs = append(errs, "vmService.requestTimeoutSeconds must be >= 0")
	}
	if cfg.VMService.PingIntervalSeconds < 0 {
		errs = append(errs, "vmService.pingIntervalSeconds must be >= 0")
	}

	switch cfg.Transport.Kind {
	case domain.TransportStdio:
	case domain.TransportStreamableHTTP:
		if cfg.Transport.HTTPAddr == "" {
			errs = append(errs, "transport.httpAddr is required for streamable-http")
		}
		if !strings.HasPrefix(cfg.Transport.HTTPPath, "/") {
			errs = append(errs, "transport.httpPath must start with /")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.kind %q is not supported (stdio or streamable-http)", raw.Transport.Kind))
	}

	if (cfg.Observability.Metrics || cfg.Observability.Healthz) && cfg.Observability.ListenAddress == "" {
		errs = append(errs, "observability.listenAddress is required when metrics or healthz is enabled")
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}

	seen := make(map[string]struct{}, len(raw.Apps))
	for i, app := range raw.Apps {
		name := strings.TrimSpace(app.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("apps[%d]: name is required", i))
			continue
		}
		if strings.Contains(name, "@") {
			errs = append(errs, fmt.Sprintf("apps[%d]: name %q must not contain @", i, name))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Sprintf("apps[%d]: duplicate name %q", i, name))
			continue
		}
		seen[name] = struct{}{}

		uri, err := normalizeVMServiceURI(app.VMServiceURI)
		if err != nil {
			errs = append(errs, fmt.Sprintf("apps[%d]: %v", i, err))
			continue
		}
		cfg.Apps = append(cfg.Apps, domain.AppTarget{Name: name, VMServiceURI: uri})
	}

	return cfg, errs
}

// normalizeVMServiceURI accepts the http form printed by `flutter run` and
// rewrites it to the websocket endpoint.
func normalizeVMServiceURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("vmServiceUri is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("vmServiceUri %q: %w", raw, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("vmServiceUri %q: missing host", raw)
	}
	switch parsed.Scheme {
	case "ws", "wss":
		return parsed.String(), nil
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("vmServiceUri %q: scheme must be ws, wss, http or https", raw)
	}
	if !strings.HasSuffix(parsed.Path, "/ws") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws"
	}
	return parsed.String(), nil
}

func parseLevel(level string) (zap.AtomicLevel, error) {
	if level == "" {
		level = domain.DefaultLogLevel
	}
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("logging.level %q: %w", level, err)
	}
	return parsed, nil
}

// Level resolves the configured log level.
func Level(cfg domain.LoggingConfig) zap.AtomicLevel {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return level
}
