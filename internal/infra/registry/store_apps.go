package registry

import (
	"sort"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

// UnregisterApp removes every registration owned by app in one step and emits
// a single app_unregistered event. Unknown apps are a no-op. While the
// registry is disabled the removal is deferred until it is enabled again.
func (s *Store) UnregisterApp(app domain.AppID) (int, int) {
	s.mu.Lock()
	if !s.enabled.Load() {
		_, owns := s.apps[app]
		if owns {
			s.deferred[app] = struct{}{}
		}
		s.mu.Unlock()
		s.logger.Warn("dynamic registry disabled; deferring app unregistration",
			zap.String("app", app.String()),
			zap.Bool("owns_entries", owns),
		)
		return 0, 0
	}
	removedTools, removedResources := s.dropAppLocked(app)
	s.gaugesLocked()
	s.mu.Unlock()

	if removedTools == 0 && removedResources == 0 {
		return 0, 0
	}
	s.logger.Info("app registrations removed",
		zap.String("app", app.String()),
		zap.Int("tools", removedTools),
		zap.Int("resources", removedResources),
	)
	s.publish(domain.RegistryEvent{
		Kind:             domain.RegistryEventAppUnregistered,
		App:              app,
		RemovedTools:     removedTools,
		RemovedResources: removedResources,
		At:               s.now(),
	})
	return removedTools, removedResources
}

// ReplaceApp swaps app's whole registration set for the given one. Previous
// entries absent from the new set disappear; readers never observe the
// intermediate empty state.
func (s *Store) ReplaceApp(app domain.AppID, tools []domain.ToolDefinition, resources []domain.ResourceDefinition, meta map[string]string) (domain.ReplaceResult, error) {
	const op = "registry.replace_app"
	if !s.gate("app replacement", zap.String("app", app.String())) {
		return domain.ReplaceResult{}, nil
	}
	if err := validateApp(app); err != nil {
		return domain.ReplaceResult{}, domain.Wrap(domain.CodeInvalidArgument, op, err)
	}
	normalizedTools := make([]domain.ToolDefinition, 0, len(tools))
	for _, def := range tools {
		normalized, err := normalizeTool(def)
		if err != nil {
			return domain.ReplaceResult{}, domain.Wrap(domain.CodeInvalidArgument, op, err)
		}
		normalizedTools = append(normalizedTools, normalized)
	}
	normalizedResources := make([]domain.ResourceDefinition, 0, len(resources))
	for _, def := range resources {
		normalized, err := normalizeResource(def)
		if err != nil {
			return domain.ReplaceResult{}, domain.Wrap(domain.CodeInvalidArgument, op, err)
		}
		normalizedResources = append(normalizedResources, normalized)
	}

	var result domain.ReplaceResult
	events := make([]domain.RegistryEvent, 0, len(normalizedTools)+len(normalizedResources)+1)

	s.mu.Lock()
	result.RemovedTools, result.RemovedResources = s.dropAppLocked(app)
	if result.RemovedTools > 0 || result.RemovedResources > 0 {
		events = append(events, domain.RegistryEvent{
			Kind:             domain.RegistryEventAppUnregistered,
			App:              app,
			RemovedTools:     result.RemovedTools,
			RemovedResources: result.RemovedResources,
			At:               s.now(),
		})
	}
	for _, def := range normalizedTools {
		_, event := s.putToolLocked(def, app, meta)
		events = append(events, event)
	}
	for _, def := range normalizedResources {
		_, event := s.putResourceLocked(def, app, meta)
		events = append(events, event)
	}
	entries := s.apps[app]
	if entries != nil {
		result.RegisteredTools = len(entries.tools)
		result.RegisteredResources = len(entries.resources)
	}
	s.gaugesLocked()
	s.mu.Unlock()

	s.publish(events...)
	return result, nil
}

// AppEntries returns the names app currently owns.
func (s *Store) AppEntries(app domain.AppID) domain.AppEntrySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := domain.AppEntrySet{App: app}
	entries, ok := s.apps[app]
	if !ok {
		return set
	}
	set.Tools = sortedKeys(entries.tools)
	set.Resources = sortedKeys(entries.resources)
	return set
}

func (s *Store) flushDeferredLocked() []domain.RegistryEvent {
	if len(s.deferred) == 0 {
		return nil
	}
	apps := make([]domain.AppID, 0, len(s.deferred))
	for app := range s.deferred {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	clear(s.deferred)

	var events []domain.RegistryEvent
	for _, app := range apps {
		tools, resources := s.dropAppLocked(app)
		if tools == 0 && resources == 0 {
			continue
		}
		s.logger.Info("deferred app registrations removed",
			zap.String("app", app.String()),
			zap.Int("tools", tools),
			zap.Int("resources", resources),
		)
		events = append(events, domain.RegistryEvent{
			Kind:             domain.RegistryEventAppUnregistered,
			App:              app,
			RemovedTools:     tools,
			RemovedResources: resources,
			At:               s.now(),
		})
	}
	if len(events) > 0 {
		s.gaugesLocked()
	}
	return events
}

func (s *Store) dropAppLocked(app domain.AppID) (int, int) {
	entries, ok := s.apps[app]
	if !ok {
		return 0, 0
	}
	for name := range entries.tools {
		delete(s.tools, name)
	}
	for uri := range entries.resources {
		delete(s.resources, uri)
	}
	delete(s.apps, app)
	return len(entries.tools), len(entries.resources)
}
