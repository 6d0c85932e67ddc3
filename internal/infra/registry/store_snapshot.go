package registry

import (
	"fmt"
	"sort"

	"fluttermcp/internal/domain"
)

// LookupTool returns the registration owning name.
func (s *Store) LookupTool(name string) (domain.ToolRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.tools[name]
	if !ok {
		return domain.ToolRegistration{}, false
	}
	return cloneToolRegistration(reg), true
}

// LookupResource returns the registration owning uri.
func (s *Store) LookupResource(uri string) (domain.ResourceRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.resources[uri]
	if !ok {
		return domain.ResourceRegistration{}, false
	}
	return cloneResourceRegistration(reg), true
}

// Tools lists tool registrations sorted by name.
func (s *Store) Tools() []domain.ToolRegistration {
	s.mu.RLock()
	out := make([]domain.ToolRegistration, 0, len(s.tools))
	for _, reg := range s.tools {
		out = append(out, cloneToolRegistration(reg))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tool.Name < out[j].Tool.Name })
	return out
}

// Resources lists resource registrations sorted by URI.
func (s *Store) Resources() []domain.ResourceRegistration {
	s.mu.RLock()
	out := make([]domain.ResourceRegistration, 0, len(s.resources))
	for _, reg := range s.resources {
		out = append(out, cloneResourceRegistration(reg))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Resource.URI < out[j].Resource.URI })
	return out
}

// Apps lists the apps that own at least one registration.
func (s *Store) Apps() []domain.AppID {
	s.mu.RLock()
	out := make([]domain.AppID, 0, len(s.apps))
	for app := range s.apps {
		out = append(out, app)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns counts and per-app ownership for diagnostics.
func (s *Store) Snapshot() domain.RegistrySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := domain.RegistrySnapshot{
		Enabled:       s.enabled.Load(),
		ToolCount:     len(s.tools),
		ResourceCount: len(s.resources),
		Apps:          make([]domain.AppRegistrations, 0, len(s.apps)),
	}
	for app, entries := range s.apps {
		snapshot.Apps = append(snapshot.Apps, domain.AppRegistrations{
			App:       app,
			Tools:     nonNil(sortedKeys(entries.tools)),
			Resources: nonNil(sortedKeys(entries.resources)),
		})
	}
	sort.Slice(snapshot.Apps, func(i, j int) bool { return snapshot.Apps[i].App < snapshot.Apps[j].App })
	return snapshot
}

// CheckConsistency verifies that the name indices and the per-app entry sets agree.
func (s *Store) CheckConsistency() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, reg := range s.tools {
		entries, ok := s.apps[reg.App]
		if !ok {
			return fmt.Errorf("tool %q owned by %q but app has no entry set", name, reg.App)
		}
		if _, ok := entries.tools[name]; !ok {
			return fmt.Errorf("tool %q missing from entry set of %q", name, reg.App)
		}
	}
	for uri, reg := range s.resources {
		entries, ok := s.apps[reg.App]
		if !ok {
			return fmt.Errorf("resource %q owned by %q but app has no entry set", uri, reg.App)
		}
		if _, ok := entries.resources[uri]; !ok {
			return fmt.Errorf("resource %q missing from entry set of %q", uri, reg.App)
		}
	}
	for app, entries := range s.apps {
		if entries.empty() {
			return fmt.Errorf("app %q has an empty entry set", app)
		}
		for name := range entries.tools {
			reg, ok := s.tools[name]
			if !ok || reg.App != app {
				return fmt.Errorf("entry set of %q lists tool %q it does not own", app, name)
			}
		}
		for uri := range entries.resources {
			reg, ok := s.resources[uri]
			if !ok || reg.App != app {
				return fmt.Errorf("entry set of %q lists resource %q it does not own", app, uri)
			}
		}
	}
	return nil
}
