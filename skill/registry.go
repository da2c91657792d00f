package skill

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry indexes registered skills by id.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Manifest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]*Manifest)}
}

// Register adds a manifest; duplicate ids are rejected.
func (r *Registry) Register(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[m.ID]; exists {
		return errors.Errorf("skill: %s already registered", m.ID)
	}
	r.skills[m.ID] = m
	return nil
}

// Unregister removes a skill; reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.skills[id]
	delete(r.skills, id)
	return ok
}

// Get returns the manifest for id.
func (r *Registry) Get(id string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.skills[id]
	if !ok {
		return nil, errors.Errorf("skill: %s not registered", id)
	}
	return m, nil
}

// List returns every registered id in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.skills))
	for id := range r.skills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
