package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"fluttermcp/internal/app"
	"fluttermcp/internal/domain"
)

type rootOptions struct {
	configPath string
	logging    app.LoggingConfig
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "fluttermcp",
		Short:         "MCP server that bridges to tools and resources registered by running Flutter apps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			logging, err := app.NewProductionLogging(level)
			if err != nil {
				return err
			}
			opts.logging = logging
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logging.Logger != nil {
				_ = opts.logging.Logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file (optional)")
	registerConfigFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// registerConfigFlags declares the flags that override config file keys.
// Defaults mirror the config defaults; only changed flags take effect.
func registerConfigFlags(flags *pflag.FlagSet) {
	flags.Bool("dynamic-registry", domain.DefaultDynamicRegistryEnabled, "enable the dynamic registry")
	flags.Bool("expose-dynamic", domain.DefaultExposeDynamicTools, "list dynamic tools and resources directly in MCP")
	flags.Int("discovery-timeout", domain.DefaultDiscoveryTimeoutSeconds, "discovery cycle timeout in seconds")
	flags.Int("forward-timeout", domain.DefaultForwardTimeoutSeconds, "forwarded call timeout in seconds (0 disables)")
	flags.String("transport", string(domain.DefaultTransportKind), "MCP transport (stdio or streamable-http)")
	flags.String("http-addr", domain.DefaultHTTPAddr, "streamable HTTP listen address")
	flags.String("http-path", domain.DefaultHTTPPath, "streamable HTTP endpoint path")
	flags.String("observability-addr", domain.DefaultObservabilityListenAddress, "listen address for /metrics and /healthz")
	flags.Bool("metrics", domain.DefaultObservabilityMetrics, "serve prometheus metrics")
	flags.Bool("healthz", domain.DefaultObservabilityHealthz, "serve /healthz")
	flags.String("log-level", domain.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.Int("vm-request-timeout", domain.DefaultVMServiceRequestTimeout, "VM service request timeout in seconds")
	flags.Int("vm-reconnect-base", domain.DefaultReconnectBaseSeconds, "initial VM service reconnect delay in seconds")
	flags.Int("vm-reconnect-max", domain.DefaultReconnectMaxSeconds, "maximum VM service reconnect delay in seconds")
	flags.Int("vm-ping-interval", domain.DefaultVMServicePingSeconds, "VM service liveness probe interval in seconds (0 disables)")
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server and connect to configured Flutter apps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application := app.New(opts.logging)
			return application.Serve(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				Flags:      cmd.Flags(),
			})
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var printYAML bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration without connecting to any app",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application := app.New(opts.logging)
			cfg, err := application.ValidateConfig(cmd.Context(), app.ValidateConfig{
				ConfigPath: opts.configPath,
				Flags:      cmd.Flags(),
			})
			if err != nil {
				return err
			}
			if printYAML {
				return printConfig(cmd.OutOrStdout(), cfg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printYAML, "print", false, "print the normalized configuration as YAML")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fluttermcp %s (%s)\n", app.Version, app.Build)
		},
	}
}

type printedApp struct {
	Name         string `yaml:"name"`
	VMServiceURI string `yaml:"vmServiceUri"`
}

type printedConfig struct {
	DynamicRegistry struct {
		Enabled                 bool `yaml:"enabled"`
		ExposeDynamicTools      bool `yaml:"exposeDynamicTools"`
		DiscoveryTimeoutSeconds int  `yaml:"discoveryTimeoutSeconds"`
		ForwardTimeoutSeconds   int  `yaml:"forwardTimeoutSeconds"`
	} `yaml:"dynamicRegistry"`
	Apps      []printedApp `yaml:"apps"`
	VMService struct {
		ReconnectBaseSeconds  int `yaml:"reconnectBaseSeconds"`
		ReconnectMaxSeconds   int `yaml:"reconnectMaxSeconds"`
		RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds"`
		PingIntervalSeconds   int `yaml:"pingIntervalSeconds"`
	} `yaml:"vmService"`
	Transport struct {
		Kind     string `yaml:"kind"`
		HTTPAddr string `yaml:"httpAddr"`
		HTTPPath string `yaml:"httpPath"`
	} `yaml:"transport"`
	Observability struct {
		ListenAddress string `yaml:"listenAddress"`
		Metrics       bool   `yaml:"metrics"`
		Healthz       bool   `yaml:"healthz"`
	} `yaml:"observability"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func printConfig(w io.Writer, cfg domain.Config) error {
	var out printedConfig
	out.DynamicRegistry.Enabled = cfg.DynamicRegistry.Enabled
	out.DynamicRegistry.ExposeDynamicTools = cfg.DynamicRegistry.ExposeDynamicTools
	out.DynamicRegistry.DiscoveryTimeoutSeconds = cfg.DynamicRegistry.DiscoveryTimeoutSeconds
	out.DynamicRegistry.ForwardTimeoutSeconds = cfg.DynamicRegistry.ForwardTimeoutSeconds
	out.Apps = make([]printedApp, 0, len(cfg.Apps))
	for _, target := range cfg.Apps {
		out.Apps = append(out.Apps, printedApp{Name: target.Name, VMServiceURI: target.VMServiceURI})
	}
	out.VMService.ReconnectBaseSeconds = cfg.VMService.ReconnectBaseSeconds
	out.VMService.ReconnectMaxSeconds = cfg.VMService.ReconnectMaxSeconds
	out.VMService.RequestTimeoutSeconds = cfg.VMService.RequestTimeoutSeconds
	out.VMService.PingIntervalSeconds = cfg.VMService.PingIntervalSeconds
	out.Transport.Kind = string(cfg.Transport.Kind)
	out.Transport.HTTPAddr = cfg.Transport.HTTPAddr
	out.Transport.HTTPPath = cfg.Transport.HTTPPath
	out.Observability.ListenAddress = cfg.Observability.ListenAddress
	out.Observability.Metrics = cfg.Observability.Metrics
	out.Observability.Healthz = cfg.Observability.Healthz
	out.Logging.Level = cfg.Logging.Level

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
