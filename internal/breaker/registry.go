package breaker

import (
	"sort"
	"sync"
)

// Registry hands out one Breaker per service name.
type Registry struct {
	configFor func(name string) Config
	opts      []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry. configFor may be nil, in which case every
// breaker uses DefaultConfig.
func NewRegistry(configFor func(name string) Config, opts ...Option) *Registry {
	if configFor == nil {
		configFor = func(string) Config { return DefaultConfig() }
	}
	return &Registry{configFor: configFor, opts: opts, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.configFor(name), r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshots returns every breaker's state sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
