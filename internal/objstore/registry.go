package objstore

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named storage backends. Run records keep the name of the
// backend an artifact was written to, so retrieval goes back to the same one.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Storage
}

// NewRegistry creates an empty storage registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Storage),
	}
}

// Register adds a backend to the registry under the given name.
func (r *Registry) Register(name string, s Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = s
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Storage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("storage backend %q is not registered", name)
	}
	return s, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
