// Package plugin registers translation plugins, resolves their dependency
// order and attaches them to a pipeline, optionally per tenant.
//
// A Manager is an explicit instance: there is no package level plugin
// cache. One manager can serve many tenants; tenant overrides only change
// which plugins are attached by BootForTenant and which configuration they
// see through the pass context.
package plugin

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/minios-linux/lokit-engine/pipeline"
)

var (
	ErrDependencyMissing  = errors.New("dependency missing")
	ErrCircularDependency = errors.New("circular dependency")
	ErrDuplicatePlugin    = errors.New("plugin already registered")
	ErrPluginNotFound     = errors.New("plugin not found")
	ErrInvalidPlugin      = errors.New("invalid plugin")
)

// Plugin contributes handlers, wrappers or observers to a pipeline.
type Plugin interface {
	Descriptor() Descriptor
	Attach(p *pipeline.Pipeline) error
}

// Enabler lets a plugin choose whether it is active when no tenant override
// exists. Plugins without it are enabled by default.
type Enabler interface {
	DefaultEnabled() bool
}

// ConfigKey is the plugin data key under which tenant configuration is
// published on the pass context.
const ConfigKey = "config"

// Config returns the tenant configuration published for plugin name on c.
func Config(c *pipeline.Context, name string) map[string]any {
	v, ok := c.PluginData(name, ConfigKey)
	if !ok {
		return nil
	}
	cfg, _ := v.(map[string]any)
	return cfg
}

type override struct {
	enabled bool
	config  map[string]any
}

// Manager owns the registered plugins.
type Manager struct {
	mu       sync.RWMutex
	registry *Registry
	plugins  map[string]Plugin
	tenants  map[string]map[string]override
	booted   bool
	// attached tracks plugins already attached by an unfinished Boot, per
	// pipeline, so a retry resumes instead of attaching them twice.
	attached map[*pipeline.Pipeline]map[string]bool
	log      zerolog.Logger
}

// NewManager creates a manager recording descriptors in registry.
func NewManager(registry *Registry, log zerolog.Logger) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry: registry,
		plugins:  make(map[string]Plugin),
		tenants:  make(map[string]map[string]override),
		attached: make(map[*pipeline.Pipeline]map[string]bool),
		log:      log,
	}
}

// Registry returns the descriptor registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Register adds a single plugin. Every dependency must already be
// registered.
func (m *Manager) Register(p Plugin) error {
	return m.RegisterAll(p)
}

// RegisterAll adds a batch of plugins atomically. Dependencies may point to
// already registered plugins or to other members of the batch. On any error
// nothing is registered.
func (m *Manager) RegisterAll(plugins ...Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		if p == nil {
			return fmt.Errorf("%w: nil plugin", ErrInvalidPlugin)
		}
		d := p.Descriptor()
		if d.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidPlugin)
		}
		if _, ok := m.plugins[d.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.Name)
		}
		if _, ok := batch[d.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.Name)
		}
		batch[d.Name] = p
	}

	for _, p := range plugins {
		d := p.Descriptor()
		for _, dep := range d.Dependencies {
			_, registered := m.plugins[dep]
			_, inBatch := batch[dep]
			if !registered && !inBatch {
				return fmt.Errorf("%w: %s requires %s", ErrDependencyMissing, d.Name, dep)
			}
		}
	}

	// Cycle detection over the union. Runs before any state is touched.
	union := maps.Clone(m.plugins)
	maps.Copy(union, batch)
	if _, err := sortPlugins(union, slices.Collect(maps.Values(batch))); err != nil {
		return err
	}

	for _, p := range plugins {
		d := p.Descriptor()
		m.plugins[d.Name] = p
		m.registry.record(d)
		m.log.Debug().Str("plugin", d.Name).Str("version", d.Version).Msg("plugin registered")
	}
	return nil
}

// Get returns the plugin registered as name.
func (m *Manager) Get(name string) (Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p, nil
}

// All returns every plugin in dependency order.
func (m *Manager) All() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorted, err := sortPlugins(m.plugins, slices.Collect(maps.Values(m.plugins)))
	if err != nil {
		// RegisterAll rejects cycles, so the stored graph is acyclic.
		panic(err)
	}
	return sorted
}

// ---------------------------------------------------------------------------
// Dependency ordering
// ---------------------------------------------------------------------------

// SortByDependencies orders plugins so that every dependency comes strictly
// before its dependents. Dependencies outside the list are resolved against
// the registered plugins; unknown names fail with ErrDependencyMissing.
func (m *Manager) SortByDependencies(plugins []Plugin) ([]Plugin, error) {
	m.mu.RLock()
	known := maps.Clone(m.plugins)
	m.mu.RUnlock()

	for _, p := range plugins {
		known[p.Descriptor().Name] = p
	}
	return sortPlugins(known, plugins)
}

// sortPlugins runs a depth first traversal starting from roots in priority
// order. known resolves dependency names; only roots and their transitive
// dependencies that are also roots appear in the result.
func sortPlugins(known map[string]Plugin, roots []Plugin) ([]Plugin, error) {
	const (
		unvisited = iota
		visiting
		visited
	)

	include := make(map[string]bool, len(roots))
	for _, p := range roots {
		include[p.Descriptor().Name] = true
	}

	ordered := slices.Clone(roots)
	slices.SortStableFunc(ordered, func(a, b Plugin) int {
		da, db := a.Descriptor(), b.Descriptor()
		if c := cmp.Compare(db.Priority, da.Priority); c != 0 {
			return c
		}
		return cmp.Compare(da.Name, db.Name)
	})

	state := make(map[string]int, len(known))
	out := make([]Plugin, 0, len(roots))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCircularDependency, formatCycle(append(path, name)))
		}
		p, ok := known[name]
		if !ok {
			last := name
			if len(path) > 0 {
				last = path[len(path)-1]
			}
			return fmt.Errorf("%w: %s requires %s", ErrDependencyMissing, last, name)
		}

		state[name] = visiting
		for _, dep := range p.Descriptor().Dependencies {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = visited
		if include[name] {
			out = append(out, p)
		}
		return nil
	}

	for _, p := range ordered {
		if err := visit(p.Descriptor().Name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func formatCycle(path []string) string {
	// Trim the path to the cycle itself.
	last := path[len(path)-1]
	start := slices.Index(path, last)
	s := ""
	for i, n := range path[start:] {
		if i > 0 {
			s += " -> "
		}
		s += n
	}
	return s
}

// ---------------------------------------------------------------------------
// Boot
// ---------------------------------------------------------------------------

// Boot attaches every registered plugin to p in dependency order. A second
// call is a no-op once a boot succeeded. When an Attach fails, calling Boot
// again with the same pipeline resumes at the failed plugin. Plugins are
// attached without holding the manager lock, so Attach may call back into
// the manager.
func (m *Manager) Boot(p *pipeline.Pipeline) error {
	m.mu.Lock()
	if m.booted {
		m.mu.Unlock()
		return nil
	}
	sorted, err := sortPlugins(m.plugins, slices.Collect(maps.Values(m.plugins)))
	done := m.attached[p]
	if done == nil {
		done = make(map[string]bool)
		m.attached[p] = done
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, pl := range sorted {
		name := pl.Descriptor().Name
		m.mu.RLock()
		skip := done[name]
		m.mu.RUnlock()
		if skip {
			continue
		}
		if err := attach(pl, p); err != nil {
			return err
		}
		m.mu.Lock()
		done[name] = true
		m.mu.Unlock()
		m.log.Debug().Str("plugin", name).Msg("plugin attached")
	}

	m.mu.Lock()
	m.booted = true
	delete(m.attached, p)
	m.mu.Unlock()
	return nil
}

// Booted reports whether Boot completed.
func (m *Manager) Booted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.booted
}

// BootForTenant attaches the plugins enabled for tenant to a fresh pipeline
// and publishes their tenant configuration on every pass context. An
// enabled plugin whose dependency is disabled for the tenant fails with
// ErrDependencyMissing.
func (m *Manager) BootForTenant(p *pipeline.Pipeline, tenant string) error {
	enabled := m.GetEnabled(tenant)

	names := make(map[string]bool, len(enabled))
	for _, pl := range enabled {
		names[pl.Descriptor().Name] = true
	}
	for _, pl := range enabled {
		d := pl.Descriptor()
		for _, dep := range d.Dependencies {
			if !names[dep] {
				return fmt.Errorf("%w: %s requires %s, which is disabled for tenant %q",
					ErrDependencyMissing, d.Name, dep, tenant)
			}
		}
	}

	configs := make(map[string]map[string]any)
	m.mu.RLock()
	for name, o := range m.tenants[tenant] {
		if o.enabled && o.config != nil {
			configs[name] = maps.Clone(o.config)
		}
	}
	m.mu.RUnlock()

	if len(configs) > 0 {
		publish := pipeline.Do(func(c *pipeline.Context) error {
			for name, cfg := range configs {
				c.SetPluginData(name, ConfigKey, cfg)
			}
			return nil
		})
		if err := p.RegisterStage(pipeline.StagePreProcess, publish, math.MaxInt); err != nil {
			return err
		}
	}

	for _, pl := range enabled {
		if err := attach(pl, p); err != nil {
			return err
		}
	}
	m.log.Debug().Str("tenant", tenant).Int("plugins", len(enabled)).Msg("tenant pipeline booted")
	return nil
}

func attach(pl Plugin, p *pipeline.Pipeline) error {
	if err := pl.Attach(p); err != nil {
		return fmt.Errorf("attaching plugin %s: %w", pl.Descriptor().Name, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tenant scoping
// ---------------------------------------------------------------------------

// EnableForTenant enables name for tenant with an optional configuration.
func (m *Manager) EnableForTenant(tenant, name string, config map[string]any) error {
	return m.setOverride(tenant, name, override{enabled: true, config: maps.Clone(config)})
}

// DisableForTenant disables name for tenant.
func (m *Manager) DisableForTenant(tenant, name string) error {
	return m.setOverride(tenant, name, override{enabled: false})
}

func (m *Manager) setOverride(tenant, name string, o override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plugins[name]; !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	t := m.tenants[tenant]
	if t == nil {
		t = make(map[string]override)
		m.tenants[tenant] = t
	}
	t[name] = o
	return nil
}

// IsEnabledForTenant checks the tenant override first, then the plugin's
// own default.
func (m *Manager) IsEnabledForTenant(tenant, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabledLocked(tenant, name)
}

func (m *Manager) enabledLocked(tenant, name string) bool {
	p, ok := m.plugins[name]
	if !ok {
		return false
	}
	if o, ok := m.tenants[tenant][name]; ok {
		return o.enabled
	}
	if e, ok := p.(Enabler); ok {
		return e.DefaultEnabled()
	}
	return true
}

// TenantConfig returns the configuration stored by EnableForTenant.
func (m *Manager) TenantConfig(tenant, name string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.tenants[tenant][name].config)
}

// GetEnabled returns the plugins enabled for tenant in dependency order.
// An empty tenant uses plugin defaults only.
func (m *Manager) GetEnabled(tenant string) []Plugin {
	all := m.All()

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plugin, 0, len(all))
	for _, p := range all {
		if m.enabledLocked(tenant, p.Descriptor().Name) {
			out = append(out, p)
		}
	}
	return out
}
