package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"signalsim/internal/controller"
	"signalsim/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Registry maps intersection ids to live controllers. Its lock only guards
// the map; each controller carries its own.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*controller.Controller
}

func New() *Registry {
	return &Registry{items: make(map[string]*controller.Controller)}
}

// Put installs c under its id, replacing any previous controller.
func (r *Registry) Put(c *controller.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[c.ID()] = c
}

func (r *Registry) Get(id string) (*controller.Controller, error) {
	r.mu.RLock()
	c, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("intersection %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// List returns id/name pairs sorted by id.
func (r *Registry) List() []domain.IntersectionSummary {
	r.mu.RLock()
	out := make([]domain.IntersectionSummary, 0, len(r.items))
	for id, c := range r.items {
		out = append(out, domain.IntersectionSummary{ID: id, Name: c.Name()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("intersection %s: %w", id, ErrNotFound)
	}
	delete(r.items, id)
	return nil
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]*controller.Controller)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
