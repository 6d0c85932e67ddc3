package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fluttermcp/internal/domain"
)

func normalizeTool(def domain.ToolDefinition) (domain.ToolDefinition, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return domain.ToolDefinition{}, errors.New("tool name is required")
	}
	schema := bytes.TrimSpace(def.InputSchema)
	if len(schema) == 0 || bytes.Equal(schema, []byte("null")) {
		def.InputSchema = append(json.RawMessage(nil), defaultInputSchema...)
		return def, nil
	}
	if !json.Valid(schema) {
		return domain.ToolDefinition{}, fmt.Errorf("tool %q: input schema is not valid JSON", def.Name)
	}
	def.InputSchema = append(json.RawMessage(nil), schema...)
	return def, nil
}

func normalizeResource(def domain.ResourceDefinition) (domain.ResourceDefinition, error) {
	def.URI = strings.TrimSpace(def.URI)
	if def.URI == "" {
		return domain.ResourceDefinition{}, errors.New("resource uri is required")
	}
	return def, nil
}

func validateApp(app domain.AppID) error {
	if strings.TrimSpace(app.String()) == "" {
		return errors.New("app id is required")
	}
	return nil
}

func cloneToolRegistration(reg domain.ToolRegistration) domain.ToolRegistration {
	reg.Tool.InputSchema = append(json.RawMessage(nil), reg.Tool.InputSchema...)
	reg.Metadata = domain.CloneMetadata(reg.Metadata)
	return reg
}

func cloneResourceRegistration(reg domain.ResourceRegistration) domain.ResourceRegistration {
	reg.Metadata = domain.CloneMetadata(reg.Metadata)
	return reg
}

func sortedKeys(values map[string]struct{}) []string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
