package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fluttermcp/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fluttermcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const httpConfig = `
transport:
  kind: streamable-http
  httpAddr: 127.0.0.1:0
`

func TestInitializeApplicationRunsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := InitializeApplication(ctx, ServeConfig{ConfigPath: writeConfig(t, httpConfig)}, LoggingConfig{Logger: zap.NewNop()})
	require.NoError(t, err)
	require.True(t, application.store.Enabled())
	require.Equal(t, domain.TransportStreamableHTTP, application.cfg.Transport.Kind)

	done := make(chan error, 1)
	go func() { done <- application.Run() }()

	require.Eventually(t, func() bool {
		return application.bus.SubscriberCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not stop")
	}
}

func TestInitializeApplicationRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: smoke-signals\n")
	_, err := InitializeApplication(context.Background(), ServeConfig{ConfigPath: path}, LoggingConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "transport.kind")
}

func TestApplyConfigHotReloadsRegistrySettings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	application, err := InitializeApplication(ctx, ServeConfig{ConfigPath: writeConfig(t, httpConfig)}, LoggingConfig{Logger: zap.NewNop(), Level: level})
	require.NoError(t, err)

	next := application.cfg
	next.DynamicRegistry.Enabled = false
	next.DynamicRegistry.ForwardTimeoutSeconds = 0
	next.DynamicRegistry.DiscoveryTimeoutSeconds = 2
	next.DynamicRegistry.ExposeDynamicTools = false
	next.Logging.Level = "debug"
	next.Apps = []domain.AppTarget{{Name: "demo", VMServiceURI: "ws://127.0.0.1:1/ws"}}

	application.applyConfig(ctx, domain.ConfigUpdate{Config: next, Revision: 2, Source: domain.ConfigUpdateSourceManual})

	require.False(t, application.store.Enabled())
	require.Zero(t, application.forwarder.Timeout())
	require.Equal(t, 2*time.Second, application.discovery.Timeout())
	require.Equal(t, zapcore.DebugLevel, level.Level())
	require.Equal(t, next.Apps, application.source.Targets())
	require.Equal(t, next, application.cfg)

	next.DynamicRegistry.Enabled = true
	next.Apps = nil
	application.applyConfig(ctx, domain.ConfigUpdate{Config: next, Revision: 3, Source: domain.ConfigUpdateSourceManual})
	require.True(t, application.store.Enabled())
	require.Empty(t, application.source.Targets())
}

func TestValidateConfigReturnsNormalizedConfig(t *testing.T) {
	path := writeConfig(t, `
apps:
  - name: demo
    vmServiceUri: http://127.0.0.1:8181/abc=/
`)
	cfg, err := New(LoggingConfig{}).ValidateConfig(context.Background(), ValidateConfig{ConfigPath: path})
	require.NoError(t, err)
	require.Equal(t, []domain.AppTarget{{Name: "demo", VMServiceURI: "ws://127.0.0.1:8181/abc=/ws"}}, cfg.Apps)
}
