// Package application contains the application services.
package application

import (
	"sync"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// ServiceCache remembers, per rounded viewport location, whether the primary
// or the fallback imagery source served it. One cache lives for one report
// session; a location is tried untagged once and then tagged for the rest of
// the session.
type ServiceCache struct {
	mu      sync.RWMutex
	entries map[string]domain.ServiceType
}

// NewServiceCache creates an empty cache.
func NewServiceCache() *ServiceCache {
	return &ServiceCache{entries: make(map[string]domain.ServiceType)}
}

// GetServiceType returns the recorded source for key.
func (c *ServiceCache) GetServiceType(key string) (domain.ServiceType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[key]
	return t, ok
}

// SetServiceType records the source for key.
func (c *ServiceCache) SetServiceType(key string, t domain.ServiceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = t
}

// Clear forgets every entry. It is called at the start of a session.
func (c *ServiceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]domain.ServiceType)
}

// Len returns the number of tagged locations.
func (c *ServiceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
