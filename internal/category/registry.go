// Package category holds the registry of complaint categories. Adding a
// category is a data change: register a Category, no code branches on ids.
package category

import (
	"sort"
	"strings"
	"sync"
)

type Category struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Icon  string `json:"icon"`
	// Order is the display position; ties fall back to id.
	Order int `json:"order"`
}

// Defaults are the categories shipped with the service.
var Defaults = []Category{
	{ID: "roadkill", Label: "로드킬", Icon: "⚠️", Order: 1},
	{ID: "trash", Label: "쓰레기투기", Icon: "🗑️", Order: 2},
	{ID: "fire", Label: "산불", Icon: "🔥", Order: 3},
}

type Registry struct {
	mu    sync.RWMutex
	items map[string]Category
}

func NewRegistry(seed ...Category) *Registry {
	r := &Registry{items: make(map[string]Category, len(seed))}
	for _, c := range seed {
		r.Register(c)
	}
	return r
}

// NewDefaultRegistry returns a registry seeded with Defaults.
func NewDefaultRegistry() *Registry {
	return NewRegistry(Defaults...)
}

// Register adds or replaces a category. Blank ids are ignored.
func (r *Registry) Register(c Category) {
	c.ID = Normalize(c.ID)
	if c.ID == "" {
		return
	}
	if c.Label == "" {
		c.Label = c.ID
	}
	r.mu.Lock()
	r.items[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) Lookup(id string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[Normalize(id)]
	return c, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Label returns the display label, or "-" for unknown ids.
func (r *Registry) Label(id string) string {
	if c, ok := r.Lookup(id); ok {
		return c.Label
	}
	return "-"
}

func (r *Registry) List() []Category {
	r.mu.RLock()
	out := make([]Category, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
