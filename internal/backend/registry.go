package backend

import (
	"fmt"
	"slices"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/rewrite"
)

// Registry holds the configured backends in declaration order.
type Registry struct {
	targets []*Target
	byName  map[string]*Target
}

// NewRegistry creates targets for every configured backend.
func NewRegistry(backends []config.BackendConfig) (*Registry, error) {
	reg := &Registry{byName: make(map[string]*Target, len(backends))}
	for _, b := range backends {
		t, err := NewTarget(b)
		if err != nil {
			return nil, err
		}
		if _, dup := reg.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate backend %s", t.Name)
		}
		reg.targets = append(reg.targets, t)
		reg.byName[t.Name] = t
	}
	return reg, nil
}

// Get returns the named target.
func (r *Registry) Get(name string) (*Target, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Targets returns the targets in declaration order.
func (r *Registry) Targets() []*Target {
	out := make([]*Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// ForURL returns the target whose base URL the absolute URL lies below.
// The longest base path wins.
func (r *Registry) ForURL(raw string) (*Target, bool) {
	var best *Target
	for _, t := range r.targets {
		if !t.Owns(raw) {
			continue
		}
		if best == nil || len(t.BaseURL.Path) > len(best.BaseURL.Path) {
			best = t
		}
	}
	return best, best != nil
}

// Mounts returns the rewrite mounts of all targets. Longer local roots come
// first so that a nested root wins over its parent.
func (r *Registry) Mounts() []rewrite.Mount {
	mounts := make([]rewrite.Mount, 0, len(r.targets))
	for _, t := range r.targets {
		mounts = append(mounts, t.Mount())
	}
	slices.SortStableFunc(mounts, func(a, b rewrite.Mount) int {
		return len(b.LocalRoot) - len(a.LocalRoot)
	})
	return mounts
}
