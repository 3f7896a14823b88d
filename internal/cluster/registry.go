package cluster

import (
	"context"
	"sync"

	"github.com/arclab-ai/arc/pkg/schema"
)

// Registry holds the configured adapters and picks one per submission.
// Selection order: the workflow's preferred cluster first (when set and
// available), then the static priority list. Unavailable backends are
// skipped, so a down SLURM controller degrades to the next backend instead
// of failing the run.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	priority []string
}

// NewRegistry creates a registry with the given priority order.
func NewRegistry(priority []string) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		priority: priority,
	}
}

// Register adds an adapter under its type name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for a backend type.
func (r *Registry) Get(typ string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCluster, "no adapter registered for cluster type %q", typ)
	}
	return a, nil
}

// Select picks the adapter for a submission. preferred may be empty.
func (r *Registry) Select(ctx context.Context, preferred string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		if a, ok := r.adapters[preferred]; ok && a.Available(ctx) {
			return a, nil
		}
	}
	for _, typ := range r.priority {
		if a, ok := r.adapters[typ]; ok && a.Available(ctx) {
			return a, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeCluster, "no cluster backend is available")
}

// Types lists the registered backend types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for typ := range r.adapters {
		types = append(types, typ)
	}
	return types
}
