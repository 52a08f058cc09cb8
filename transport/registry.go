package transport

import (
	"sync"

	"github.com/smedrec/courier/core"
)

// Registry maps destination types to their transport adapters. Registration
// happens at container build time; lookups happen on every delivery.
type Registry struct {
	mu       sync.RWMutex
	adapters map[core.DestinationType]core.TransportAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[core.DestinationType]core.TransportAdapter)}
}

// Register binds an adapter to a destination type, replacing any previous
// binding.
func (r *Registry) Register(t core.DestinationType, adapter core.TransportAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[t] = adapter
}

// AdapterFor resolves the adapter for a destination type.
func (r *Registry) AdapterFor(t core.DestinationType) (core.TransportAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[t]
	if !ok {
		return nil, &core.CourierError{
			Op:      "transport.AdapterFor",
			Kind:    "adapter",
			Message: "no adapter registered for destination type " + string(t),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return adapter, nil
}

// Types returns the registered destination types.
func (r *Registry) Types() []core.DestinationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.DestinationType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}
