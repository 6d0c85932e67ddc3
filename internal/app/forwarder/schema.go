package forwarder

import (
	"encoding/json"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// schemaCache holds one resolved schema per tool name. A changed schema
// replaces the entry.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]schemaEntry
}

type schemaEntry struct {
	raw      string
	resolved *jsonschema.Resolved
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]schemaEntry)}
}

// validate checks args against raw. Schemas that cannot be resolved are not enforced.
func (c *schemaCache) validate(tool string, raw json.RawMessage, args map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	resolved := c.resolve(tool, raw)
	if resolved == nil {
		return nil
	}
	return resolved.Validate(args)
}

func (c *schemaCache) resolve(tool string, raw json.RawMessage) *jsonschema.Resolved {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[tool]; ok && entry.raw == string(raw) {
		return entry.resolved
	}
	entry := schemaEntry{raw: string(raw)}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err == nil {
		if resolved, err := schema.Resolve(nil); err == nil {
			entry.resolved = resolved
		}
	}
	c.entries[tool] = entry
	return entry.resolved
}

func (c *schemaCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
