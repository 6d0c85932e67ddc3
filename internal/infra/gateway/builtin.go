package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/mcpcodec"
	"fluttermcp/internal/infra/telemetry"
)

const (
	ToolRegisterDynamics            = "registerDynamics"
	ToolListClientToolsAndResources = "listClientToolsAndResources"
	ToolListDynamicRegistrations    = "listDynamicRegistrations"
	ToolRunClientTool               = "runClientTool"
	ToolReadClientResource          = "readClientResource"
	ToolInstallTool                 = "installTool"
	ToolInstallResource             = "installResource"

	// InstallAppID owns entries added through the deprecated install tools
	// when the caller names no app.
	InstallAppID domain.AppID = "install"
)

type builtinTool struct {
	tool   *mcp.Tool
	handle func(ctx context.Context, args json.RawMessage) *mcp.CallToolResult
}

func (s *Server) builtinTools() map[string]builtinTool {
	tools := []builtinTool{
		{
			tool: &mcp.Tool{
				Name:        ToolRegisterDynamics,
				Description: "Re-run discovery of dynamically registered tools and resources on connected Flutter apps.",
				InputSchema: objectOf(map[string]*jsonschema.Schema{
					"appId": {Type: "string", Description: "Limit discovery to one app; all apps when omitted."},
				}),
			},
			handle: s.handleRegisterDynamics,
		},
		{
			tool: &mcp.Tool{
				Name:        ToolListClientToolsAndResources,
				Description: "List the tools and resources registered by connected Flutter apps.",
				InputSchema: objectOf(nil),
			},
			handle: s.handleListClientToolsAndResources,
		},
		{
			tool: &mcp.Tool{
				Name:        ToolListDynamicRegistrations,
				Description: "Show dynamic registry statistics, per-app ownership and discovery state.",
				InputSchema: objectOf(nil),
			},
			handle: s.handleListDynamicRegistrations,
		},
		{
			tool: &mcp.Tool{
				Name:        ToolRunClientTool,
				Description: "Invoke a tool registered by a connected Flutter app.",
				InputSchema: objectOf(map[string]*jsonschema.Schema{
					"toolName":  {Type: "string", Description: "Name of the registered tool."},
					"arguments": {Type: "object", Description: "Arguments passed to the tool."},
				}, "toolName"),
			},
			handle: s.handleRunClientTool,
		},
		{
			tool: &mcp.Tool{
				Name:        ToolReadClientResource,
				Description: "Read a resource registered by a connected Flutter app.",
				InputSchema: objectOf(map[string]*jsonschema.Schema{
					"uri": {Type: "string", Description: "URI of the registered resource."},
				}, "uri"),
			},
			handle: s.handleReadClientResource,
		},
		{
			tool: &mcp.Tool{
				Name:        ToolInstallTool,
				Description: "Deprecated: register a tool by hand. Apps should register through discovery.",
				InputSchema: objectOf(map[string]*jsonschema.Schema{
					"appId": {Type: "string"},
					"tool": objectOf(map[string]*jsonschema.Schema{
						"name":        {Type: "string"},
						"description": {Type: "string"},
						"inputSchema": {Type: "object"},
						"extension":   {Type: "string"},
					}, "name"),
				}, "tool"),
			},
			handle: s.handleInstallTool,
		},
		{
			tool: &mcp.Tool{
				Name:        ToolInstallResource,
				Description: "Deprecated: register a resource by hand. Apps should register through discovery.",
				InputSchema: objectOf(map[string]*jsonschema.Schema{
					"appId": {Type: "string"},
					"resource": objectOf(map[string]*jsonschema.Schema{
						"uri":         {Type: "string"},
						"name":        {Type: "string"},
						"description": {Type: "string"},
						"mimeType":    {Type: "string"},
						"extension":   {Type: "string"},
					}, "uri"),
				}, "resource"),
			},
			handle: s.handleInstallResource,
		},
	}

	out := make(map[string]builtinTool, len(tools))
	for _, tool := range tools {
		out[tool.tool.Name] = tool
	}
	return out
}

func sortedBuiltinNames(tools map[string]builtinTool) []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func objectOf(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

type registerDynamicsArgs struct {
	AppID string `json:"appId"`
}

type discoveryOutcome struct {
	AppID            domain.AppID `json:"appId"`
	Tools            []string     `json:"tools"`
	Resources        []string     `json:"resources"`
	RemovedTools     int          `json:"removedTools"`
	RemovedResources int          `json:"removedResources"`
}

func (s *Server) handleRegisterDynamics(ctx context.Context, raw json.RawMessage) *mcp.CallToolResult {
	var args registerDynamicsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("%s: %v", ToolRegisterDynamics, err)
	}
	if !s.registry.Enabled() {
		return errorResult("dynamic registry is disabled")
	}

	results, err := s.discovery.Rediscover(ctx, domain.AppID(strings.TrimSpace(args.AppID)))
	outcomes := make([]discoveryOutcome, 0, len(results))
	for _, result := range results {
		outcome := discoveryOutcome{
			AppID:            result.App,
			Tools:            make([]string, 0, len(result.Tools)),
			Resources:        make([]string, 0, len(result.Resources)),
			RemovedTools:     result.Replace.RemovedTools,
			RemovedResources: result.Replace.RemovedResources,
		}
		for _, tool := range result.Tools {
			outcome.Tools = append(outcome.Tools, tool.Name)
		}
		for _, resource := range result.Resources {
			outcome.Resources = append(outcome.Resources, resource.URI)
		}
		outcomes = append(outcomes, outcome)
	}

	payload := map[string]any{"apps": outcomes}
	if err != nil {
		s.logger.Warn("rediscovery incomplete", append(telemetry.RequestFieldsFromContext(ctx), zap.Error(err))...)
		payload["error"] = err.Error()
		result := jsonResult(payload)
		result.IsError = len(outcomes) == 0
		return result
	}
	return jsonResult(payload)
}

type clientTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	AppID       domain.AppID    `json:"appId"`
}

type clientResource struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	MIMEType    string       `json:"mimeType,omitempty"`
	AppID       domain.AppID `json:"appId"`
}

func (s *Server) handleListClientToolsAndResources(_ context.Context, _ json.RawMessage) *mcp.CallToolResult {
	tools := []clientTool{}
	resources := []clientResource{}
	if s.registry.Enabled() {
		for _, reg := range s.registry.Tools() {
			tools = append(tools, clientTool{
				Name:        reg.Tool.Name,
				Description: reg.Tool.Description,
				InputSchema: reg.Tool.InputSchema,
				AppID:       reg.App,
			})
		}
		for _, reg := range s.registry.Resources() {
			resources = append(resources, clientResource{
				URI:         reg.Resource.URI,
				Name:        reg.Resource.Name,
				Description: reg.Resource.Description,
				MIMEType:    reg.Resource.MIMEType,
				AppID:       reg.App,
			})
		}
	}
	return jsonResult(map[string]any{
		"tools":     tools,
		"resources": resources,
	})
}

func (s *Server) handleListDynamicRegistrations(_ context.Context, _ json.RawMessage) *mcp.CallToolResult {
	states := s.discovery.States()
	if states == nil {
		states = []domain.AppStatus{}
	}
	return jsonResult(map[string]any{
		"registry":  s.registry.Snapshot(),
		"discovery": states,
	})
}

type runClientToolArgs struct {
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleRunClientTool(ctx context.Context, raw json.RawMessage) *mcp.CallToolResult {
	var args runClientToolArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("%s: %v", ToolRunClientTool, err)
	}
	name := strings.TrimSpace(args.ToolName)
	if name == "" {
		return errorResult("%s: toolName is required", ToolRunClientTool)
	}
	return s.forwarder.ForwardToolCall(ctx, name, args.Arguments)
}

type readClientResourceArgs struct {
	URI string `json:"uri"`
}

func (s *Server) handleReadClientResource(ctx context.Context, raw json.RawMessage) *mcp.CallToolResult {
	var args readClientResourceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("%s: %v", ToolReadClientResource, err)
	}
	uri := strings.TrimSpace(args.URI)
	if uri == "" {
		return errorResult("%s: uri is required", ToolReadClientResource)
	}
	result, err := s.forwarder.ForwardResourceRead(ctx, uri)
	if err != nil {
		return errorResult("%s", resourceErrorText(uri, err))
	}
	content := make([]mcp.Content, 0, len(result.Contents))
	for _, item := range result.Contents {
		if item == nil {
			continue
		}
		content = append(content, &mcp.EmbeddedResource{Resource: item})
	}
	return &mcp.CallToolResult{Content: content}
}

func resourceErrorText(uri string, err error) string {
	code, _ := domain.CodeFrom(err)
	switch code {
	case domain.CodeNotFound:
		return fmt.Sprintf("resource %q is not available: no connected app has registered it", uri)
	case domain.CodeFailedPrecond:
		return fmt.Sprintf("resource %q is not available: dynamic registry is disabled", uri)
	default:
		return fmt.Sprintf("resource %q failed: %v", uri, err)
	}
}

type installToolArgs struct {
	AppID string    `json:"appId"`
	Tool  *mcp.Tool `json:"tool"`
}

func (s *Server) handleInstallTool(ctx context.Context, raw json.RawMessage) *mcp.CallToolResult {
	var args installToolArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("%s: %v", ToolInstallTool, err)
	}
	def, err := mcpcodec.ToolFromMCP(args.Tool)
	if err != nil {
		return errorResult("%s: %v", ToolInstallTool, err)
	}
	app := installApp(args.AppID)
	s.logger.Warn("installTool is deprecated; register tools through discovery",
		append(telemetry.RequestFieldsFromContext(ctx), zap.String(telemetry.FieldTool, def.Name), telemetry.AppField(app))...)
	if !s.registry.Enabled() {
		return errorResult("dynamic registry is disabled")
	}
	reg, err := s.registry.RegisterTool(def, app, map[string]string{"source": "install"})
	if err != nil {
		return errorResult("%s: %v", ToolInstallTool, err)
	}
	return jsonResult(map[string]any{
		"installed":  reg.Tool.Name,
		"appId":      reg.App,
		"deprecated": true,
	})
}

type installResourceArgs struct {
	AppID    string                    `json:"appId"`
	Resource domain.ResourceDefinition `json:"resource"`
}

func (s *Server) handleInstallResource(ctx context.Context, raw json.RawMessage) *mcp.CallToolResult {
	var args installResourceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("%s: %v", ToolInstallResource, err)
	}
	app := installApp(args.AppID)
	s.logger.Warn("installResource is deprecated; register resources through discovery",
		append(telemetry.RequestFieldsFromContext(ctx), zap.String(telemetry.FieldURI, args.Resource.URI), telemetry.AppField(app))...)
	if !s.registry.Enabled() {
		return errorResult("dynamic registry is disabled")
	}
	reg, err := s.registry.RegisterResource(args.Resource, app, map[string]string{"source": "install"})
	if err != nil {
		return errorResult("%s: %v", ToolInstallResource, err)
	}
	return jsonResult(map[string]any{
		"installed":  reg.Resource.URI,
		"appId":      reg.App,
		"deprecated": true,
	})
}

func installApp(raw string) domain.AppID {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return domain.AppID(trimmed)
	}
	return InstallAppID
}

func decodeArgs(raw json.RawMessage, out any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func jsonResult(payload any) *mcp.CallToolResult {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorResult("encode result: %v", err)
	}
	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}
	var structured map[string]any
	if err := json.Unmarshal(raw, &structured); err == nil {
		result.StructuredContent = structured
	}
	return result
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}
