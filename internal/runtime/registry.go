package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered lanes keyed by language. Lookups are
// read-locked; registration is a brief exclusive write.
type Registry struct {
	mu    sync.RWMutex
	lanes map[Language]Lane
}

// NewRegistry creates an empty lane registry.
func NewRegistry() *Registry {
	return &Registry{
		lanes: make(map[Language]Lane),
	}
}

// Register adds a lane for the given language, replacing any previous one.
func (r *Registry) Register(lang Language, lane Lane) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes[lang] = lane
}

// Resolve returns the lane serving the given language.
func (r *Registry) Resolve(lang Language) (Lane, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lane, ok := r.lanes[lang]
	if !ok {
		return nil, fmt.Errorf("no lane registered for language %q", lang)
	}
	return lane, nil
}

// List returns the registered lane names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.lanes))
	for _, lane := range r.lanes {
		names = append(names, lane.Name())
	}
	sort.Strings(names)
	return names
}
