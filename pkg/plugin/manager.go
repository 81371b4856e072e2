package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
)

const component = "plugin"

// Manager owns the plugin registry and gates every lifecycle transition.
// Construct one per process alongside the bus and inject it into the
// bootstrap; independent instances remain constructible for tests.
type Manager struct {
	mu      sync.RWMutex
	bus     *bus.Bus
	plugins map[string]Plugin
	deps    map[string][]string
	order   []string // registration order, for deterministic iteration

	// loading reserves names (with their declared deps) for loads whose
	// OnLoad is still running, so a concurrent load of the same name is
	// rejected and a dependency cannot slip away mid-load.
	loading map[string][]string
}

// NewManager creates a plugin manager bound to the given bus.
func NewManager(b *bus.Bus) *Manager {
	return &Manager{
		bus:     b,
		plugins: make(map[string]Plugin),
		deps:    make(map[string][]string),
		loading: make(map[string][]string),
	}
}

// Bus returns the event bus plugins are attached to.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Load activates a plugin. Every declared dependency must already be loaded
// and initialized, otherwise ErrDependencyUnmet and no state change. A
// failing or panicking OnLoad is routed to the plugin's own OnError, any
// handlers it managed to register are removed again, and the plugin is not
// left in the registry.
func (m *Manager) Load(ctx context.Context, p Plugin) error {
	if p == nil {
		return ErrInvalidMetadata
	}
	meta := p.Meta()
	if meta.Name == "" {
		return ErrInvalidMetadata
	}

	m.mu.Lock()
	if _, exists := m.plugins[meta.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, meta.Name)
	}
	if _, inFlight := m.loading[meta.Name]; inFlight {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (load in progress)", ErrAlreadyLoaded, meta.Name)
	}
	for _, dep := range meta.Dependencies {
		q, ok := m.plugins[dep]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s requires %s (not loaded)", ErrDependencyUnmet, meta.Name, dep)
		}
		if !q.Initialized() {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s requires %s (not initialized)", ErrDependencyUnmet, meta.Name, dep)
		}
	}
	// Reserve the name while OnLoad runs outside the lock. The reservation
	// carries the dependency list so dependentsLocked pins the deps down
	// until this load settles either way.
	m.loading[meta.Name] = append([]string(nil), meta.Dependencies...)
	m.mu.Unlock()

	if err := safeLifecycle(func() error { return p.OnLoad(ctx) }); err != nil {
		safeOnError(p, err)
		// Roll back anything OnLoad registered before failing.
		if owner, ok := p.(handlerOwner); ok {
			owner.UnregisterAll()
		}
		m.mu.Lock()
		delete(m.loading, meta.Name)
		m.mu.Unlock()
		logger.ErrorCF(component, "Plugin load failed", map[string]interface{}{
			"plugin": meta.Name,
			"error":  err.Error(),
		})
		return fmt.Errorf("load plugin %s: %w", meta.Name, err)
	}

	if setter, ok := p.(stateSetter); ok {
		setter.setInitialized(true)
	}

	m.mu.Lock()
	m.plugins[meta.Name] = p
	m.deps[meta.Name] = m.loading[meta.Name]
	delete(m.loading, meta.Name)
	m.order = append(m.order, meta.Name)
	m.mu.Unlock()

	logger.InfoCF(component, "Plugin loaded", map[string]interface{}{
		"plugin":  meta.Name,
		"version": meta.Version,
		"deps":    meta.Dependencies,
	})
	m.bus.PublishAsync(ctx, events.New(events.PluginLoaded, map[string]interface{}{
		"plugin":  meta.Name,
		"version": meta.Version,
	}))
	return nil
}

// Unload deactivates a plugin by name. It fails with ErrDependentsBlocking
// (and no state change) while any other loaded plugin declares it as a
// dependency. Unload is best-effort: a failing OnUnload is routed to the
// plugin's OnError, its remaining tracked handlers are force-unregistered,
// and the plugin is removed from the registry regardless.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	if dependents := m.dependentsLocked(name); len(dependents) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is required by %v", ErrDependentsBlocking, name, dependents)
	}
	m.mu.Unlock()

	hookErr := safeLifecycle(func() error { return p.OnUnload(ctx) })
	if hookErr != nil {
		safeOnError(p, hookErr)
		if owner, ok := p.(handlerOwner); ok {
			owner.UnregisterAll()
		}
	}

	if setter, ok := p.(stateSetter); ok {
		setter.setInitialized(false)
	}

	m.mu.Lock()
	delete(m.plugins, name)
	delete(m.deps, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	logger.InfoCF(component, "Plugin unloaded", map[string]interface{}{
		"plugin": name,
	})
	m.bus.PublishAsync(ctx, events.New(events.PluginUnloaded, map[string]interface{}{
		"plugin": name,
	}))

	if hookErr != nil {
		return fmt.Errorf("unload plugin %s: %w", name, hookErr)
	}
	return nil
}

// Reload unloads and reloads the same plugin instance. It fails without
// state change while the unload is blocked by dependents.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.RLock()
	p, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	if err := m.Unload(ctx, name); err != nil {
		return err
	}
	if err := m.Load(ctx, p); err != nil {
		return err
	}
	m.bus.PublishAsync(ctx, events.New(events.PluginReloaded, map[string]interface{}{
		"plugin": name,
	}))
	return nil
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Get returns a loaded plugin by name.
func (m *Manager) Get(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// All returns every loaded plugin in load order.
func (m *Manager) All() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plugin, 0, len(m.order))
	for _, name := range m.order {
		if p, ok := m.plugins[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Info returns a loaded plugin's metadata.
func (m *Manager) Info(name string) (Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	if !ok {
		return Metadata{}, false
	}
	return p.Meta(), true
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// Dependents returns the names of loaded plugins that declare name as a
// dependency.
func (m *Manager) Dependents(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dependentsLocked(name)
}

func (m *Manager) dependentsLocked(name string) []string {
	var dependents []string
	for _, other := range m.order {
		if other == name {
			continue
		}
		for _, dep := range m.deps[other] {
			if dep == name {
				dependents = append(dependents, other)
				break
			}
		}
	}
	// In-flight loads count too: their deps must stay until they settle.
	for other, deps := range m.loading {
		for _, dep := range deps {
			if dep == name {
				dependents = append(dependents, other)
				break
			}
		}
	}
	return dependents
}

// ---------------------------------------------------------------------------
// Hook isolation
// ---------------------------------------------------------------------------

func safeLifecycle(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lifecycle panic: %v", r)
		}
	}()
	return fn()
}

func safeOnError(p Plugin, cause error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF(component, "OnError panicked", map[string]interface{}{
				"plugin": p.Meta().Name,
				"panic":  fmt.Sprint(r),
			})
		}
	}()
	p.OnError(cause)
}
