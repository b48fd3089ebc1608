package provider

import (
	"fmt"

	"github.com/credlink/stampd/internal/shared/config"
)

// Registry is a flat lookup of adapters keyed by provider id. Built once at
// startup and read-only thereafter.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry builds RFC 3161 adapters for every configured provider.
func NewRegistry(configs []config.ProviderConfig) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(configs))}
	for _, cfg := range configs {
		if _, exists := r.adapters[cfg.ID]; exists {
			return nil, fmt.Errorf("duplicate provider id %q", cfg.ID)
		}
		r.adapters[cfg.ID] = NewRFC3161Adapter(cfg)
		r.order = append(r.order, cfg.ID)
	}
	return r, nil
}

// NewRegistryWithAdapters builds a registry from pre-built adapters.
func NewRegistryWithAdapters(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		id := a.Config().ID
		if _, exists := r.adapters[id]; exists {
			continue
		}
		r.adapters[id] = a
		r.order = append(r.order, id)
	}
	return r
}

// Get returns the adapter for a provider id, or nil if unknown.
func (r *Registry) Get(id string) Adapter {
	return r.adapters[id]
}

// IDs returns provider ids in configuration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.adapters)
}
