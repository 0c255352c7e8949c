package providers

import (
	"fmt"

	"github.com/gtwy-ai/gateway/catalog"
)

// Registry routes services to their adapters. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	adapters map[catalog.Service]Adapter
}

// NewRegistry indexes the given adapters by their Service.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[catalog.Service]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Service()] = a
	}
	return r
}

// Register adds or replaces the adapter for its service.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Service()] = a
}

// Adapter returns the adapter registered for service.
func (r *Registry) Adapter(service catalog.Service) (Adapter, error) {
	a, ok := r.adapters[service]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for service %q", service)
	}
	return a, nil
}
