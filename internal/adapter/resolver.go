package adapter

import (
	"sync"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
)

// DefaultName is the adapter used when a session does not name one.
const DefaultName = "claude"

// Resolver maps adapter names to instances. The set of names is closed at
// construction; inverted adapters are singletons shared across sessions so
// their rendezvous tables stay coherent.
type Resolver struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewResolver creates a resolver over the given adapters, keyed by Name().
func NewResolver(adapters ...Adapter) *Resolver {
	r := &Resolver{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Resolve returns the adapter for name. An empty name resolves to the
// default adapter.
func (r *Resolver) Resolve(name string) (Adapter, error) {
	if name == "" {
		name = DefaultName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, apperrors.New(apperrors.KindUnsupported, "unknown adapter: "+name)
	}
	return a, nil
}

// Known reports whether name resolves.
func (r *Resolver) Known(name string) bool {
	if name == "" {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// Names returns the registered adapter names.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
