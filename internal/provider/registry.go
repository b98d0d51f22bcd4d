package provider

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"
)

// Registry maps a route's provider name to its gateway.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	fallback string
}

// NewRegistry creates a registry that resolves unknown or empty names to
// fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		fallback: fallback,
	}
}

// Register adds or replaces the gateway for name.
func (r *Registry) Register(name string, gateway Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[name] = gateway
}

// Resolve returns the gateway for name, or the fallback gateway.
func (r *Registry) Resolve(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if gw, ok := r.gateways[name]; ok {
		return gw, nil
	}
	if gw, ok := r.gateways[r.fallback]; ok {
		return gw, nil
	}
	return nil, xerrors.Errorf("no gateway for provider %q and no fallback %q", name, r.fallback)
}

// Names lists the registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
