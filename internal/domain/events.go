package domain

import "time"

// RegistryEventKind tags a registry mutation.
type RegistryEventKind string

const (
	RegistryEventToolRegistered       RegistryEventKind = "tool_registered"
	RegistryEventToolUnregistered     RegistryEventKind = "tool_unregistered"
	RegistryEventResourceRegistered   RegistryEventKind = "resource_registered"
	RegistryEventResourceUnregistered RegistryEventKind = "resource_unregistered"
	RegistryEventAppUnregistered      RegistryEventKind = "app_unregistered"
)

// RegistryEvent describes a registry mutation. Events are notifications only.
type RegistryEvent struct {
	Kind RegistryEventKind
	App  AppID
	// Name is the tool name or resource URI for single-entry events.
	Name string
	// PreviousApp is set when a registration replaced another app's entry.
	PreviousApp      AppID
	RemovedTools     int
	RemovedResources int
	At               time.Time
}

// RegistryEventEmitter publishes registry events.
type RegistryEventEmitter interface {
	EmitRegistryEvent(event RegistryEvent)
}

