package work

import (
	"sort"
	"sync"
)

// Registry holds the work types the processor can execute
type Registry struct {
	types map[string]*WorkType
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*WorkType)}
}

// Register adds a work type, replacing one with the same ID
func (r *Registry) Register(wt *WorkType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[wt.ID] = wt
}

// Get returns a work type by ID, or nil if not found
func (r *Registry) Get(id string) *WorkType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[id]
}

// Has returns true if a work type with the given ID is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.types[id]
	return exists
}

// List returns all work types ordered by ID
func (r *Registry) List() []*WorkType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*WorkType, 0, len(r.types))
	for _, wt := range r.types {
		result = append(result, wt)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
