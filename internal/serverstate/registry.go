package serverstate

import (
	"sort"
	"sync"
)

// Element is a named component contributing to the state report.
type Element struct {
	ID   string
	Data func() any
}

// Registry collects state elements from gateway components.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Element
}

// NewRegistry returns a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Element)}
}

// Add registers e, replacing any element with the same ID.
func (r *Registry) Add(e Element) {
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
}

// Elements returns all registered elements ordered by ID.
func (r *Registry) Elements() []Element {
	r.mu.RLock()
	res := make([]Element, 0, len(r.entries))
	for _, e := range r.entries {
		res = append(res, e)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Get returns the element for id, if present.
func (r *Registry) Get(id string) (Element, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Report evaluates every element into a map keyed by ID.
func (r *Registry) Report() map[string]any {
	out := map[string]any{}
	for _, e := range r.Elements() {
		if e.Data != nil {
			out[e.ID] = e.Data()
		}
	}
	return out
}
