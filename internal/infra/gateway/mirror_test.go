package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

func TestToolMirror_AppliesAndRemovesTools(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "gateway", Version: "0.1.0"}, &mcp.ServerOptions{HasTools: true})

	mirror := newToolMirror(server, func(name string) mcp.ToolHandler {
		return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: name}},
			}, nil
		}
	}, func(name string) bool { return name == "builtin" }, zap.NewNop())

	now := time.Now()
	mirror.Apply([]domain.ToolRegistration{
		{Tool: domain.ToolDefinition{Name: "say_hello", InputSchema: json.RawMessage(`{"type":"object"}`)}, App: "demo@1", RegisteredAt: now},
		{Tool: domain.ToolDefinition{Name: "builtin", InputSchema: json.RawMessage(`{"type":"object"}`)}, App: "demo@1", RegisteredAt: now},
		{Tool: domain.ToolDefinition{Name: "bad", InputSchema: json.RawMessage(`{"type":"array"}`)}, App: "demo@1", RegisteredAt: now},
	})
	require.Equal(t, []string{"say_hello"}, mirror.Names())

	_, session := connectClient(t, ctx, server)
	defer session.Close()

	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	require.Equal(t, "say_hello", res.Tools[0].Name)

	mirror.Apply(nil)

	res, err = session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 0)
}

func TestToolMirror_MirrorsUntypedObjectSchema(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "gateway", Version: "0.1.0"}, &mcp.ServerOptions{HasTools: true})
	mirror := newToolMirror(server, func(name string) mcp.ToolHandler {
		return func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{}, nil
		}
	}, func(string) bool { return false }, zap.NewNop())

	mirror.Apply([]domain.ToolRegistration{{
		Tool: domain.ToolDefinition{
			Name:        "say_hello",
			InputSchema: json.RawMessage(`{"properties":{"name":{"type":"string"}},"required":["name"]}`),
		},
		App: "demo@1",
	}})
	require.Equal(t, []string{"say_hello"}, mirror.Names())

	_, session := connectClient(t, ctx, server)
	defer session.Close()

	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	schema, ok := res.Tools[0].InputSchema.(map[string]any)
	require.True(t, ok, "input schema is %T", res.Tools[0].InputSchema)
	require.Equal(t, "object", schema["type"])
}

func TestResourceMirror_AppliesAndRemovesResources(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "gateway", Version: "0.1.0"}, &mcp.ServerOptions{HasResources: true})

	mirror := newResourceMirror(server, func(uri string) mcp.ResourceHandler {
		return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: uri, Text: "ok"}},
			}, nil
		}
	}, zap.NewNop())

	mirror.Apply([]domain.ResourceRegistration{
		{Resource: domain.ResourceDefinition{URI: "visual://localhost/app/state", Name: "app_state"}, App: "demo@1"},
		{Resource: domain.ResourceDefinition{URI: "no-scheme"}, App: "demo@1"},
	})

	_, session := connectClient(t, ctx, server)
	defer session.Close()

	resources, err := session.ListResources(ctx, &mcp.ListResourcesParams{})
	require.NoError(t, err)
	require.Len(t, resources.Resources, 1)
	require.Equal(t, "visual://localhost/app/state", resources.Resources[0].URI)

	read, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: "visual://localhost/app/state"})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	require.Equal(t, "ok", read.Contents[0].Text)

	mirror.Apply(nil)

	resources, err = session.ListResources(ctx, &mcp.ListResourcesParams{})
	require.NoError(t, err)
	require.Len(t, resources.Resources, 0)
}

func TestToolMirror_SkipsUnchangedDefinitions(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{Name: "gateway", Version: "0.1.0"}, &mcp.ServerOptions{HasTools: true})
	handlers := 0
	mirror := newToolMirror(server, func(name string) mcp.ToolHandler {
		handlers++
		return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{}, nil
		}
	}, nil, zap.NewNop())

	regs := []domain.ToolRegistration{
		{Tool: domain.ToolDefinition{Name: "say_hello", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)}, App: "demo@1"},
	}
	mirror.Apply(regs)
	require.Equal(t, 1, handlers)

	// A new session re-registering the same definition is not re-added.
	rotated := []domain.ToolRegistration{
		{Tool: domain.ToolDefinition{Name: "say_hello", InputSchema: json.RawMessage(`{"properties":{},"type":"object"}`)}, App: "demo@2"},
	}
	mirror.Apply(rotated)
	require.Equal(t, 1, handlers)

	rotated[0].Tool.Description = "changed"
	mirror.Apply(rotated)
	require.Equal(t, 2, handlers)
}

func connectClient(t *testing.T, ctx context.Context, server *mcp.Server) (*mcp.Client, *mcp.ClientSession) {
	t.Helper()
	ct, st := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	return client, session
}
