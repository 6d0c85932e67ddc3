package domain

import "time"

// ForwardStatus labels the outcome of a forwarded call.
type ForwardStatus string

const (
	// ForwardStatusSuccess indicates the app answered.
	ForwardStatusSuccess ForwardStatus = "success"
	// ForwardStatusNotFound indicates no app owns the name.
	ForwardStatusNotFound ForwardStatus = "not_found"
	// ForwardStatusInvalid indicates arguments failed schema validation.
	ForwardStatusInvalid ForwardStatus = "invalid_arguments"
	// ForwardStatusTimeout indicates the forward deadline expired.
	ForwardStatusTimeout ForwardStatus = "timeout"
	// ForwardStatusError indicates the extension call failed.
	ForwardStatusError ForwardStatus = "error"
	// ForwardStatusDisabled indicates the registry is switched off.
	ForwardStatusDisabled ForwardStatus = "disabled"
)

// ForwardKind separates tool calls from resource reads.
type ForwardKind string

const (
	ForwardKindTool     ForwardKind = "tool"
	ForwardKindResource ForwardKind = "resource"
)

// ForwardMetric captures one forwarded call.
type ForwardMetric struct {
	Kind     ForwardKind
	Status   ForwardStatus
	Duration time.Duration
}

// DiscoveryStatus labels the outcome of a discovery cycle.
type DiscoveryStatus string

const (
	DiscoveryStatusSuccess DiscoveryStatus = "success"
	DiscoveryStatusFailure DiscoveryStatus = "failure"
	DiscoveryStatusSkipped DiscoveryStatus = "skipped"
)

// Metrics records operational metrics for the dynamic registry.
type Metrics interface {
	ObserveForward(metric ForwardMetric)
	ObserveDiscovery(status DiscoveryStatus, duration time.Duration)
	ObserveRegistryEvent(kind RegistryEventKind)
	SetRegistrations(tools, resources, apps int)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) ObserveForward(ForwardMetric)                    {}
func (NoopMetrics) ObserveDiscovery(DiscoveryStatus, time.Duration) {}
func (NoopMetrics) ObserveRegistryEvent(RegistryEventKind)          {}
func (NoopMetrics) SetRegistrations(int, int, int)                  {}

var _ Metrics = NoopMetrics{}
