// Package adapters provides the built-in sync adapters, one per provider
// category, and the registry that maps categories to constructors.
package adapters

import (
	"fmt"

	"github.com/syncmesh/syncmesh/internal/config"
	"github.com/syncmesh/syncmesh/internal/core"
)

// Factory builds an adapter from a raw provider entry.
type Factory func(config.Provider) (core.Adapter, error)

// Registry maps provider categories to adapter factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(category string, f Factory) {
	r.factories[category] = f
}

// Build constructs the adapter for one provider entry.
func (r *Registry) Build(p config.Provider) (core.Adapter, error) {
	f, ok := r.factories[p.Category]
	if !ok {
		return nil, fmt.Errorf("category not registered: %s", p.Category)
	}
	return f(p)
}

// Categories returns the registered category names.
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	return out
}

// DefaultRegistry wires every built-in adapter. The HTTP adapter covers the
// six API-shaped categories; database and storage have dedicated adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, category := range []string{"cloud", "cache", "queue", "search", "ml", "graphql"} {
		r.Register(category, NewHTTPAdapter)
	}
	r.Register("database", NewDatabaseAdapter)
	r.Register("storage", NewSFTPAdapter)
	return r
}

// SupervisorFactory adapts a registry to the supervisor's factory signature
// by resolving the raw provider entry for each id.
func SupervisorFactory(r *Registry, cfg config.Config) core.AdapterFactory {
	return func(pc core.ProviderConfig) (core.Adapter, error) {
		raw, ok := cfg.ProviderByID(pc.ID)
		if !ok {
			return nil, fmt.Errorf("provider not in config: %s", pc.ID)
		}
		return r.Build(raw)
	}
}
