package application

import (
	"context"
	"sort"
	"sync"

	"github.com/jobrunner/parcelmaps/internal/ports/input"
)

// ComponentCheck reports the health of an optional dependency.
type ComponentCheck func(ctx context.Context) error

// HealthService provides health check functionality.
type HealthService struct {
	registry *ThemeRegistry

	mu     sync.RWMutex
	checks map[string]ComponentCheck
}

// NewHealthService creates a new health service.
func NewHealthService(registry *ThemeRegistry) *HealthService {
	return &HealthService{
		registry: registry,
		checks:   make(map[string]ComponentCheck),
	}
}

// AddCheck registers a component check shown in the health details.
func (s *HealthService) AddCheck(name string, check ComponentCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true
}

// IsReady returns true once at least one theme is registered.
func (s *HealthService) IsReady(_ context.Context) bool {
	return s.registry.ThemeCount() > 0
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{}
	if s.registry.ThemeCount() > 0 {
		components["themes"] = "ok"
	} else {
		components["themes"] = "empty"
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		s.mu.RLock()
		check := s.checks[name]
		s.mu.RUnlock()
		if err := check(ctx); err != nil {
			components[name] = "error: " + err.Error()
		} else {
			components[name] = "ok"
		}
	}

	return input.HealthDetails{
		Healthy:      s.IsHealthy(ctx),
		Ready:        s.IsReady(ctx),
		ThemesLoaded: s.registry.ThemeCount(),
		Components:   components,
	}
}
