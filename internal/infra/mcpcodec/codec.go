package mcpcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"fluttermcp/internal/domain"
)

var (
	ErrSchemaNotObject = errors.New("input schema must be a JSON object with type \"object\"")
	ErrInvalidURI      = errors.New("resource uri must be absolute")
)

// ToolToMCP converts a dynamic tool into the SDK shape. A missing input
// schema becomes an empty object schema.
func ToolToMCP(tool domain.ToolDefinition) (*mcp.Tool, error) {
	schema, err := ObjectSchema(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", tool.Name, err)
	}
	return &mcp.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}, nil
}

// ResourceToMCP converts a dynamic resource into the SDK shape. The URI
// doubles as the name when none was given.
func ResourceToMCP(resource domain.ResourceDefinition) (*mcp.Resource, error) {
	if !ValidResourceURI(resource.URI) {
		return nil, fmt.Errorf("resource %q: %w", resource.URI, ErrInvalidURI)
	}
	name := resource.Name
	if name == "" {
		name = resource.URI
	}
	return &mcp.Resource{
		URI:         resource.URI,
		Name:        name,
		Description: resource.Description,
		MIMEType:    resource.MIMEType,
	}, nil
}

// ToolFromMCP converts an SDK tool into a dynamic tool definition.
func ToolFromMCP(tool *mcp.Tool) (domain.ToolDefinition, error) {
	if tool == nil {
		return domain.ToolDefinition{}, errors.New("tool is nil")
	}
	def := domain.ToolDefinition{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema != nil {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return domain.ToolDefinition{}, fmt.Errorf("marshal input schema: %w", err)
		}
		def.InputSchema = raw
	}
	return def, nil
}

// ObjectSchema decodes raw into a schema map and requires type object. A
// schema without a type is taken as an object schema.
func ObjectSchema(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{"type": "object"}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, ErrSchemaNotObject
	}
	if declared, present := obj["type"]; present {
		typ, ok := declared.(string)
		if !ok || !strings.EqualFold(typ, "object") {
			return nil, ErrSchemaNotObject
		}
	}
	obj["type"] = "object"
	return obj, nil
}

func ValidResourceURI(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return parsed.Scheme != ""
}

// MarshalToolDefinition encodes a tool with its schema canonicalized, so
// equal schemas with different key order encode identically.
func MarshalToolDefinition(tool domain.ToolDefinition) ([]byte, error) {
	canonical := tool
	if len(tool.InputSchema) > 0 {
		var decoded any
		if err := json.Unmarshal(tool.InputSchema, &decoded); err != nil {
			return nil, fmt.Errorf("decode input schema: %w", err)
		}
		raw, err := json.Marshal(decoded)
		if err != nil {
			return nil, err
		}
		canonical.InputSchema = raw
	}
	return json.Marshal(canonical)
}

func MarshalResourceDefinition(resource domain.ResourceDefinition) ([]byte, error) {
	return json.Marshal(resource)
}

// HashToolDefinition returns a deterministic hash for a tool definition or an error.
func HashToolDefinition(tool domain.ToolDefinition) (string, error) {
	raw, err := MarshalToolDefinition(tool)
	if err != nil {
		return "", fmt.Errorf("marshal tool definition: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HashToolDefinitions returns a deterministic hash for a tool list or an error.
func HashToolDefinitions(tools []domain.ToolDefinition) (string, error) {
	hasher := sha256.New()
	for i, tool := range tools {
		raw, err := MarshalToolDefinition(tool)
		if err != nil {
			return "", fmt.Errorf("marshal tool definition %d: %w", i, err)
		}
		_, _ = hasher.Write(raw)
		_, _ = hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashResourceDefinitions returns a deterministic hash for a resource list or an error.
func HashResourceDefinitions(resources []domain.ResourceDefinition) (string, error) {
	hasher := sha256.New()
	for i, resource := range resources {
		raw, err := MarshalResourceDefinition(resource)
		if err != nil {
			return "", fmt.Errorf("marshal resource definition %d: %w", i, err)
		}
		_, _ = hasher.Write(raw)
		_, _ = hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
