package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// AppID identifies one connected client application session.
type AppID string

// NewAppID derives an app identity from a target name and a session id.
func NewAppID(target, session string) AppID {
	target = strings.TrimSpace(target)
	if target == "" {
		return AppID(session)
	}
	return AppID(target + "@" + session)
}

func (id AppID) String() string {
	return string(id)
}

// Target returns the configured target name encoded in the id, if any.
func (id AppID) Target() string {
	raw := string(id)
	if idx := strings.LastIndex(raw, "@"); idx > 0 {
		return raw[:idx]
	}
	return ""
}

// ToolDefinition is a tool contributed by a client application.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// Extension overrides the service extension invoked for calls.
	Extension string `json:"extension,omitempty"`
}

// ResourceDefinition is a resource contributed by a client application.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	Extension   string `json:"extension,omitempty"`
}

// ToolRegistration binds a tool to the app that owns it.
type ToolRegistration struct {
	Tool         ToolDefinition
	App          AppID
	RegisteredAt time.Time
	Metadata     map[string]string
}

// ResourceRegistration binds a resource to the app that owns it.
type ResourceRegistration struct {
	Resource     ResourceDefinition
	App          AppID
	RegisteredAt time.Time
	Metadata     map[string]string
}

// AppEntrySet lists every name an app currently owns.
type AppEntrySet struct {
	App       AppID
	Tools     []string
	Resources []string
}

// Empty reports whether the app owns nothing.
func (s AppEntrySet) Empty() bool {
	return len(s.Tools) == 0 && len(s.Resources) == 0
}

// AppRegistrations is the per-app part of a registry snapshot.
type AppRegistrations struct {
	App       AppID    `json:"appId"`
	Tools     []string `json:"tools"`
	Resources []string `json:"resources"`
}

// RegistrySnapshot is a read-only view of the dynamic registry.
type RegistrySnapshot struct {
	Enabled       bool               `json:"enabled"`
	ToolCount     int                `json:"toolCount"`
	ResourceCount int                `json:"resourceCount"`
	Apps          []AppRegistrations `json:"apps"`
}

// ReplaceResult summarizes a full refresh of one app's registrations.
type ReplaceResult struct {
	RemovedTools        int
	RemovedResources    int
	RegisteredTools     int
	RegisteredResources int
}

// CloneMetadata copies a metadata map.
func CloneMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for key, value := range meta {
		out[key] = value
	}
	return out
}

// ToolExtension returns the service extension a tool call is forwarded to.
func ToolExtension(def ToolDefinition) string {
	if def.Extension != "" {
		return def.Extension
	}
	return ExtensionPrefix + def.Name
}

// ResourceExtension returns the service extension a resource read is forwarded to.
func ResourceExtension(def ResourceDefinition) string {
	if def.Extension != "" {
		return def.Extension
	}
	name := def.Name
	if name == "" {
		name = resourceNameFromURI(def.URI)
	}
	return ExtensionPrefix + name
}

func resourceNameFromURI(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		return trimmed[idx+3:]
	}
	return trimmed
}
