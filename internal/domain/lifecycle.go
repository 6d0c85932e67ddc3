package domain

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// ExtensionPrefix namespaces service extensions registered by the Flutter toolkit.
	ExtensionPrefix = "ext.mcp.toolkit."
	// ExtensionRegisterDynamics returns an app's full tool and resource list.
	ExtensionRegisterDynamics = ExtensionPrefix + "registerDynamics"
	// ExtensionEventToolRegistration is posted by apps whose dynamic set changed.
	ExtensionEventToolRegistration = "MCPToolkit.ToolRegistration"
)

// LifecycleEventKind tags an app lifecycle signal.
type LifecycleEventKind string

const (
	LifecycleConnected    LifecycleEventKind = "connected"
	LifecycleDisconnected LifecycleEventKind = "disconnected"
	LifecyclePortChanged  LifecycleEventKind = "port_changed"
	// LifecycleReloaded covers hot reload and explicit re-announcement.
	LifecycleReloaded LifecycleEventKind = "reloaded"
)

// LifecycleEvent is a connection lifecycle signal for one app.
type LifecycleEvent struct {
	Kind   LifecycleEventKind
	App    AppID
	Target string
	URI    string
	Reason string
	At     time.Time
}

// LifecycleSource streams app lifecycle signals.
type LifecycleSource interface {
	Subscribe(ctx context.Context) <-chan LifecycleEvent
}

// ExtensionCaller invokes a service extension on a connected app.
type ExtensionCaller interface {
	CallExtension(ctx context.Context, app AppID, method string, args map[string]any) (json.RawMessage, error)
}

// AppState is the discovery state of a tracked app.
type AppState string

const (
	AppStateDisconnected AppState = "disconnected"
	AppStateDiscovering  AppState = "discovering"
	AppStateRegistered   AppState = "registered"
)

// AppStatus reports the discovery state of one app.
type AppStatus struct {
	App           AppID     `json:"appId"`
	State         AppState  `json:"state"`
	LastDiscovery time.Time `json:"lastDiscovery,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	ToolCount     int       `json:"toolCount"`
	ResourceCount int       `json:"resourceCount"`
}

// DiscoveryResult is the outcome of one discovery cycle.
type DiscoveryResult struct {
	App       AppID
	Tools     []ToolDefinition
	Resources []ResourceDefinition
	Replace   ReplaceResult
}
