package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"fluttermcp/internal/domain"
)

type dynamicsPayload struct {
	Tools     []domain.ToolDefinition     `json:"tools"`
	Resources []domain.ResourceDefinition `json:"resources"`
}

// decodeDynamics parses a registerDynamics response. The payload may be
// wrapped under "result", either as an object or as a JSON-encoded string.
// Any invalid entry rejects the whole response.
func decodeDynamics(raw json.RawMessage) (dynamicsPayload, error) {
	body, err := unwrapResult(raw)
	if err != nil {
		return dynamicsPayload{}, err
	}

	var payload dynamicsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return dynamicsPayload{}, invalidResponse("decode payload: %v", err)
	}

	seenTools := make(map[string]struct{}, len(payload.Tools))
	for i := range payload.Tools {
		tool := &payload.Tools[i]
		tool.Name = strings.TrimSpace(tool.Name)
		if tool.Name == "" {
			return dynamicsPayload{}, invalidResponse("tool %d has no name", i)
		}
		if _, dup := seenTools[tool.Name]; dup {
			return dynamicsPayload{}, invalidResponse("tool %q listed twice", tool.Name)
		}
		seenTools[tool.Name] = struct{}{}
		if err := checkInputSchema(tool.InputSchema); err != nil {
			return dynamicsPayload{}, invalidResponse("tool %q: %v", tool.Name, err)
		}
	}

	seenResources := make(map[string]struct{}, len(payload.Resources))
	for i := range payload.Resources {
		resource := &payload.Resources[i]
		resource.URI = strings.TrimSpace(resource.URI)
		if resource.URI == "" {
			return dynamicsPayload{}, invalidResponse("resource %d has no uri", i)
		}
		if _, dup := seenResources[resource.URI]; dup {
			return dynamicsPayload{}, invalidResponse("resource %q listed twice", resource.URI)
		}
		seenResources[resource.URI] = struct{}{}
	}
	return payload, nil
}

func unwrapResult(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, invalidResponse("empty response")
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, invalidResponse("response is not an object: %v", err)
	}
	inner, ok := envelope["result"]
	if !ok {
		return trimmed, nil
	}
	inner = bytes.TrimSpace(inner)
	if len(inner) > 0 && inner[0] == '"' {
		var encoded string
		if err := json.Unmarshal(inner, &encoded); err != nil {
			return nil, invalidResponse("decode result string: %v", err)
		}
		return unwrapResult(json.RawMessage(encoded))
	}
	return unwrapResult(inner)
}

// checkInputSchema requires an absent schema or an object schema that resolves.
func checkInputSchema(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(trimmed, &schema); err != nil {
		return fmt.Errorf("input schema: %w", err)
	}
	if schema.Type != "" && schema.Type != "object" {
		return fmt.Errorf("input schema type must be object, got %q", schema.Type)
	}
	if _, err := schema.Resolve(nil); err != nil {
		return fmt.Errorf("input schema: %w", err)
	}
	return nil
}

func invalidResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidDiscoveryResponse, fmt.Sprintf(format, args...))
}
