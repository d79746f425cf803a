package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// Registry holds the process-wide set of available adapters, keyed by
// canonical id. It is created at startup and read-mostly afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its canonical id.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, _ := Normalize(a.ID())
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("adapter already registered: %s", id)
	}
	r.adapters[id] = a
	logging.Get(logging.CategoryAdapter).Info("Registered adapter: %s", id)
	return nil
}

// Get returns the adapter for the given (possibly aliased) agent name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, _ := Normalize(name)
	a, ok := r.adapters[id]
	return a, ok
}

// Has reports whether an adapter is registered under the given name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// IDs returns registered canonical ids in alphabetical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Healthy reports whether the named adapter passes its health check.
func (r *Registry) Healthy(ctx context.Context, name string) bool {
	a, ok := r.Get(name)
	if !ok {
		return false
	}
	if err := a.HealthCheck(ctx); err != nil {
		logging.Get(logging.CategoryAdapter).Debug("Health check failed for %s: %v", a.ID(), err)
		return false
	}
	return true
}

// Supporting returns healthy adapter ids that advertise support for the
// given task type, alphabetical for determinism.
func (r *Registry) Supporting(ctx context.Context, taskType TaskType) []string {
	var out []string
	for _, id := range r.IDs() {
		a, _ := r.Get(id)
		if a == nil {
			continue
		}
		for _, t := range a.Capabilities().TaskTypes {
			if t == taskType {
				if r.Healthy(ctx, id) {
					out = append(out, id)
				}
				break
			}
		}
	}
	return out
}
