package transform

import (
	"fmt"
	"sort"
)

// Registry maps transformer names to implementations.
type Registry struct {
	transformers map[string]Transformer
}

func NewRegistry() *Registry {
	return &Registry{transformers: map[string]Transformer{}}
}

func (r *Registry) Register(t Transformer) {
	r.transformers[t.Name()] = t
}

func (r *Registry) Get(name string) (Transformer, error) {
	t, ok := r.transformers[name]
	if !ok {
		return nil, fmt.Errorf("transformer not registered: %s", name)
	}
	return t, nil
}

// Names lists registered transformers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.transformers))
	for n := range r.transformers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
