package action

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry is the read-only source of truth for allowlisted actions. Content
// is fixed at construction; no mutation API is exposed.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]AllowlistedAction
}

// Filter narrows List output. Zero values match everything.
type Filter struct {
	OS       Platform
	Category string
}

// NewRegistry builds a registry from a catalog, validating every entry and
// rejecting duplicate ids.
func NewRegistry(catalog []AllowlistedAction) (*Registry, error) {
	actions := make(map[string]AllowlistedAction, len(catalog))
	for i := range catalog {
		a := catalog[i]
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := actions[a.ID]; dup {
			return nil, fmt.Errorf("action: duplicate id %q", a.ID)
		}
		actions[a.ID] = a
	}
	return &Registry{actions: actions}, nil
}

// LoadCatalog reads an allowlist catalog from a YAML file.
func LoadCatalog(path string) ([]AllowlistedAction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("action: load catalog %q: %w", path, err)
	}
	var doc struct {
		Actions []AllowlistedAction `yaml:"actions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("action: parse catalog %q: %w", path, err)
	}
	return doc.Actions, nil
}

// Get returns the allowlisted action for id, or ErrActionNotFound. The
// not-found case must be treated as a caller error by every consumer.
func (r *Registry) Get(id string) (AllowlistedAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	if !ok {
		return AllowlistedAction{}, fmt.Errorf("%w: %q", ErrActionNotFound, id)
	}
	return a, nil
}

// List returns all actions matching the filter, ordered by id for stable output.
func (r *Registry) List(f Filter) []AllowlistedAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AllowlistedAction, 0, len(r.actions))
	for _, a := range r.actions {
		if f.OS != "" && a.OS != f.OS {
			continue
		}
		if f.Category != "" && a.Category != f.Category {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
