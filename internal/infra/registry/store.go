package registry

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

var defaultInputSchema = json.RawMessage(`{"type":"object"}`)

// Store is the single source of truth for dynamic registrations. The name
// indices and the per-app entry sets are always mutated inside the same
// critical section.
type Store struct {
	logger  *zap.Logger
	emitter domain.RegistryEventEmitter
	metrics domain.Metrics
	now     func() time.Time
	enabled atomic.Bool

	mu        sync.RWMutex
	tools     map[string]domain.ToolRegistration
	resources map[string]domain.ResourceRegistration
	apps      map[domain.AppID]*appEntries
	// deferred holds apps declared gone while the registry was disabled.
	deferred map[domain.AppID]struct{}
}

type appEntries struct {
	tools     map[string]struct{}
	resources map[string]struct{}
}

func newAppEntries() *appEntries {
	return &appEntries{
		tools:     make(map[string]struct{}),
		resources: make(map[string]struct{}),
	}
}

func (e *appEntries) empty() bool {
	return len(e.tools) == 0 && len(e.resources) == 0
}

// NewStore builds an enabled, empty store.
func NewStore(logger *zap.Logger, emitter domain.RegistryEventEmitter, metrics domain.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	s := &Store{
		logger:    logger.Named("registry"),
		emitter:   emitter,
		metrics:   metrics,
		now:       time.Now,
		tools:     make(map[string]domain.ToolRegistration),
		resources: make(map[string]domain.ResourceRegistration),
		apps:      make(map[domain.AppID]*appEntries),
		deferred:  make(map[domain.AppID]struct{}),
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled toggles the dynamic registry feature gate. Re-enabling first
// evicts the apps that were declared gone while the gate was closed.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	prev := s.enabled.Swap(enabled)
	var events []domain.RegistryEvent
	if enabled && !prev {
		events = s.flushDeferredLocked()
	}
	s.mu.Unlock()

	if prev != enabled {
		s.logger.Info("dynamic registry toggled", zap.Bool("enabled", enabled))
	}
	s.publish(events...)
}

func (s *Store) Enabled() bool {
	return s.enabled.Load()
}

func (s *Store) gate(op string, fields ...zap.Field) bool {
	if s.enabled.Load() {
		return true
	}
	s.logger.Warn("dynamic registry disabled; ignoring "+op, fields...)
	return false
}

// RegisterTool inserts or replaces the registration for def.Name. When another
// app owns the name the new registration wins and the conflict is logged.
func (s *Store) RegisterTool(def domain.ToolDefinition, app domain.AppID, meta map[string]string) (domain.ToolRegistration, error) {
	const op = "registry.register_tool"
	if !s.gate("tool registration", zap.String("tool", def.Name)) {
		return domain.ToolRegistration{}, nil
	}
	def, err := normalizeTool(def)
	if err != nil {
		return domain.ToolRegistration{}, domain.Wrap(domain.CodeInvalidArgument, op, err)
	}
	if err := validateApp(app); err != nil {
		return domain.ToolRegistration{}, domain.Wrap(domain.CodeInvalidArgument, op, err)
	}

	s.mu.Lock()
	reg, event := s.putToolLocked(def, app, meta)
	s.gaugesLocked()
	s.mu.Unlock()

	s.publish(event)
	return reg, nil
}

// RegisterResource inserts or replaces the registration for def.URI.
func (s *Store) RegisterResource(def domain.ResourceDefinition, app domain.AppID, meta map[string]string) (domain.ResourceRegistration, error) {
	const op = "registry.register_resource"
	if !s.gate("resource registration", zap.String("uri", def.URI)) {
		return domain.ResourceRegistration{}, nil
	}
	def, err := normalizeResource(def)
	if err != nil {
		return domain.ResourceRegistration{}, domain.Wrap(domain.CodeInvalidArgument, op, err)
	}
	if err := validateApp(app); err != nil {
		return domain.ResourceRegistration{}, domain.Wrap(domain.CodeInvalidArgument, op, err)
	}

	s.mu.Lock()
	reg, event := s.putResourceLocked(def, app, meta)
	s.gaugesLocked()
	s.mu.Unlock()

	s.publish(event)
	return reg, nil
}

// UnregisterTool removes a tool by name. Removing an unknown name is a no-op.
func (s *Store) UnregisterTool(name string) bool {
	if !s.gate("tool unregistration", zap.String("tool", name)) {
		return false
	}
	name = strings.TrimSpace(name)

	s.mu.Lock()
	reg, ok := s.tools[name]
	if ok {
		s.dropToolLocked(name, reg.App)
	}
	s.gaugesLocked()
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.publish(domain.RegistryEvent{
		Kind: domain.RegistryEventToolUnregistered,
		App:  reg.App,
		Name: name,
		At:   s.now(),
	})
	return true
}

// UnregisterResource removes a resource by URI. Removing an unknown URI is a no-op.
func (s *Store) UnregisterResource(uri string) bool {
	if !s.gate("resource unregistration", zap.String("uri", uri)) {
		return false
	}
	uri = strings.TrimSpace(uri)

	s.mu.Lock()
	reg, ok := s.resources[uri]
	if ok {
		s.dropResourceLocked(uri, reg.App)
	}
	s.gaugesLocked()
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.publish(domain.RegistryEvent{
		Kind: domain.RegistryEventResourceUnregistered,
		App:  reg.App,
		Name: uri,
		At:   s.now(),
	})
	return true
}

func (s *Store) putToolLocked(def domain.ToolDefinition, app domain.AppID, meta map[string]string) (domain.ToolRegistration, domain.RegistryEvent) {
	event := domain.RegistryEvent{
		Kind: domain.RegistryEventToolRegistered,
		App:  app,
		Name: def.Name,
	}
	if prev, ok := s.tools[def.Name]; ok && prev.App != app {
		s.logger.Warn("dynamic tool conflict; last registration wins",
			zap.String("tool", def.Name),
			zap.String("previous_app", prev.App.String()),
			zap.String("app", app.String()),
		)
		s.dropToolLocked(def.Name, prev.App)
		event.PreviousApp = prev.App
	}

	now := s.now()
	reg := domain.ToolRegistration{
		Tool:         def,
		App:          app,
		RegisteredAt: now,
		Metadata:     domain.CloneMetadata(meta),
	}
	s.tools[def.Name] = reg
	s.entriesLocked(app).tools[def.Name] = struct{}{}
	event.At = now
	return cloneToolRegistration(reg), event
}

func (s *Store) putResourceLocked(def domain.ResourceDefinition, app domain.AppID, meta map[string]string) (domain.ResourceRegistration, domain.RegistryEvent) {
	event := domain.RegistryEvent{
		Kind: domain.RegistryEventResourceRegistered,
		App:  app,
		Name: def.URI,
	}
	if prev, ok := s.resources[def.URI]; ok && prev.App != app {
		s.logger.Warn("dynamic resource conflict; last registration wins",
			zap.String("uri", def.URI),
			zap.String("previous_app", prev.App.String()),
			zap.String("app", app.String()),
		)
		s.dropResourceLocked(def.URI, prev.App)
		event.PreviousApp = prev.App
	}

	now := s.now()
	reg := domain.ResourceRegistration{
		Resource:     def,
		App:          app,
		RegisteredAt: now,
		Metadata:     domain.CloneMetadata(meta),
	}
	s.resources[def.URI] = reg
	s.entriesLocked(app).resources[def.URI] = struct{}{}
	event.At = now
	return cloneResourceRegistration(reg), event
}

func (s *Store) dropToolLocked(name string, app domain.AppID) {
	delete(s.tools, name)
	if entries, ok := s.apps[app]; ok {
		delete(entries.tools, name)
		if entries.empty() {
			delete(s.apps, app)
		}
	}
}

func (s *Store) dropResourceLocked(uri string, app domain.AppID) {
	delete(s.resources, uri)
	if entries, ok := s.apps[app]; ok {
		delete(entries.resources, uri)
		if entries.empty() {
			delete(s.apps, app)
		}
	}
}

func (s *Store) entriesLocked(app domain.AppID) *appEntries {
	entries, ok := s.apps[app]
	if !ok {
		entries = newAppEntries()
		s.apps[app] = entries
	}
	return entries
}

// gaugesLocked publishes the registration counts. Holding the lock keeps
// concurrent mutations from publishing out of order.
func (s *Store) gaugesLocked() {
	s.metrics.SetRegistrations(len(s.tools), len(s.resources), len(s.apps))
}

func (s *Store) publish(events ...domain.RegistryEvent) {
	for _, event := range events {
		s.metrics.ObserveRegistryEvent(event.Kind)
		if s.emitter != nil {
			s.emitter.EmitRegistryEvent(event)
		}
	}
}
