package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/logger"
)

// Factory constructs a plugin instance bound to the given bus. Plugins
// self-register their factory from an init function; the bootstrap then
// activates the configured set by name. This replaces directory scanning
// with an explicit compile-time registry.
type Factory func(cfg *config.Config, b *bus.Bus) (Plugin, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory registers a plugin constructor under its unique name.
// Later registrations for the same name win, which lets tests stub
// built-ins.
func RegisterFactory(name string, f Factory) {
	if name == "" || f == nil {
		return
	}
	factoryMu.Lock()
	factories[name] = f
	factoryMu.Unlock()
}

// LookupFactory returns a registered factory by name.
func LookupFactory(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// FactoryNames returns all registered factory names, sorted.
func FactoryNames() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFromConfig instantiates and loads every plugin named in
// cfg.Plugins.Enabled, in that order. One broken plugin never blocks the
// rest: construction and load errors are logged per candidate and the walk
// continues. Returns the number of plugins that ended up loaded.
func (m *Manager) LoadFromConfig(ctx context.Context, cfg *config.Config) int {
	loaded := 0
	for _, name := range cfg.Plugins.Enabled {
		f, ok := LookupFactory(name)
		if !ok {
			logger.WarnCF(component, "No such plugin", map[string]interface{}{
				"plugin": name, "known": FactoryNames(),
			})
			continue
		}
		p, err := construct(f, cfg, m.bus)
		if err != nil {
			logger.ErrorCF(component, "Plugin construction failed", map[string]interface{}{
				"plugin": name, "error": err.Error(),
			})
			continue
		}
		if err := m.Load(ctx, p); err != nil {
			logger.ErrorCF(component, "Plugin skipped", map[string]interface{}{
				"plugin": name, "error": err.Error(),
			})
			continue
		}
		loaded++
	}
	return loaded
}

// construct isolates a panicking factory the same way a broken module on
// disk would be isolated during discovery.
func construct(f Factory, cfg *config.Config, b *bus.Bus) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	return f(cfg, b)
}
