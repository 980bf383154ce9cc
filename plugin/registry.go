package plugin

import (
	"slices"
	"sort"
	"sync"

	"github.com/minios-linux/lokit-engine/pipeline"
)

// Descriptor is the static metadata of a plugin.
type Descriptor struct {
	// Name is unique within a manager.
	Name        string
	Version     string
	Description string
	// Priority orders plugins without a dependency relation: higher first.
	Priority int
	// Dependencies name plugins that must attach before this one.
	Dependencies []string
	// Stages lists the stages the plugin contributes handlers to.
	Stages []pipeline.Stage
}

// Stats summarizes the registry contents.
type Stats struct {
	Plugins      int
	Dependencies int
	// PerStage counts plugins contributing to each stage.
	PerStage map[pipeline.Stage]int
	// MaxDepth is the length of the longest dependency chain.
	MaxDepth int
}

// Registry stores plugin descriptors in registration order.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	order       []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

func (r *Registry) record(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	d.Dependencies = slices.Clone(d.Dependencies)
	d.Stages = slices.Clone(d.Stages)
	r.descriptors[d.Name] = d
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descriptors[name]
	return ok
}

// Descriptor returns the descriptor of name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.descriptors[name])
	}
	return out
}

// Dependents returns the sorted names of plugins that declare name as a
// dependency.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for n, d := range r.descriptors {
		if slices.Contains(d.Dependencies, name) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Stats computes summary statistics over the registered descriptors.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Plugins:  len(r.descriptors),
		PerStage: make(map[pipeline.Stage]int),
	}
	depth := make(map[string]int, len(r.descriptors))
	var depthOf func(name string, seen map[string]bool) int
	depthOf = func(name string, seen map[string]bool) int {
		if d, ok := depth[name]; ok {
			return d
		}
		if seen[name] {
			return 0
		}
		seen[name] = true
		best := 0
		for _, dep := range r.descriptors[name].Dependencies {
			best = max(best, depthOf(dep, seen)+1)
		}
		depth[name] = best
		return best
	}

	for name, d := range r.descriptors {
		st.Dependencies += len(d.Dependencies)
		for _, s := range d.Stages {
			st.PerStage[s]++
		}
		st.MaxDepth = max(st.MaxDepth, depthOf(name, map[string]bool{}))
	}
	return st
}
