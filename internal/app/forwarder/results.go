package forwarder

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"fluttermcp/internal/domain"
)

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

func notAvailableResult(name string) *mcp.CallToolResult {
	return errorResult("tool %q is not available: no connected app has registered it", name)
}

// toolResultFromResponse passes MCP-shaped responses through and renders
// anything else as JSON text.
func toolResultFromResponse(raw json.RawMessage) *mcp.CallToolResult {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &mcp.CallToolResult{Content: []mcp.Content{}}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err == nil {
		if _, ok := fields["content"]; ok {
			var result mcp.CallToolResult
			if err := json.Unmarshal(trimmed, &result); err == nil {
				return &result
			}
		}
	}

	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(trimmed)}},
	}
	var structured map[string]any
	if err := json.Unmarshal(trimmed, &structured); err == nil && structured != nil {
		result.StructuredContent = structured
	}
	return result
}

func resourceResultFromResponse(def domain.ResourceDefinition, raw json.RawMessage) *mcp.ReadResourceResult {
	trimmed := bytes.TrimSpace(raw)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err == nil {
		if _, ok := fields["contents"]; ok {
			var result mcp.ReadResourceResult
			if err := json.Unmarshal(trimmed, &result); err == nil {
				return &result
			}
		}
		if textRaw, ok := fields["text"]; ok {
			var text string
			if err := json.Unmarshal(textRaw, &text); err == nil {
				return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{
					URI:      def.URI,
					MIMEType: mimeTypeOr(def.MIMEType, "text/plain"),
					Text:     text,
				}}}
			}
		}
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{
		URI:      def.URI,
		MIMEType: mimeTypeOr(def.MIMEType, "application/json"),
		Text:     string(trimmed),
	}}}
}

func mimeTypeOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
