package hashutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fluttermcp/internal/domain"
)

func TestToolETagIgnoresOwnership(t *testing.T) {
	def := domain.ToolDefinition{Name: "say_hello", InputSchema: json.RawMessage(`{"type":"object"}`)}
	first := ToolETag(nil, []domain.ToolRegistration{{Tool: def, App: "demo@1"}})
	second := ToolETag(nil, []domain.ToolRegistration{{Tool: def, App: "demo@2"}})
	require.NotEmpty(t, first)
	require.Equal(t, first, second)
	require.NotEqual(t, first, ToolETag(nil, nil))
}

func TestToolETagLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	etag := ToolETag(zap.New(core), []domain.ToolRegistration{
		{Tool: domain.ToolDefinition{Name: "broken", InputSchema: json.RawMessage(`{`)}},
	})
	require.Empty(t, etag)
	require.Equal(t, 1, logs.FilterMessage("tool hash failed").Len())
}

func TestResourceETag(t *testing.T) {
	regs := []domain.ResourceRegistration{{Resource: domain.ResourceDefinition{URI: "app://state"}, App: "demo@1"}}
	require.Equal(t, ResourceETag(nil, regs), ResourceETag(nil, regs))
	require.NotEqual(t, ResourceETag(nil, regs), ResourceETag(nil, nil))
}
