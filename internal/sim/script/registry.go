package script

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves script references to compiled scripts.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

func NewRegistry() *Registry {
	return &Registry{scripts: map[string]Script{}}
}

func (r *Registry) Register(ref string, s Script) error {
	if ref == "" || s == nil {
		return fmt.Errorf("script: empty ref or nil script")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[ref]; ok {
		return fmt.Errorf("script: %s already registered", ref)
	}
	r.scripts[ref] = s
	return nil
}

func (r *Registry) Lookup(ref string) (Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[ref]
	return s, ok
}

func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scripts))
	for ref := range r.scripts {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
