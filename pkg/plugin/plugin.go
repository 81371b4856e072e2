// Package plugin provides the dependency-gated plugin lifecycle for krill.
//
// A plugin is a self-contained feature module built on top of the event bus.
// It registers its event handlers inside OnLoad through the Base helper,
// which tracks them so the default OnUnload can tear them all down again.
// The Manager gates Load on the plugin's declared dependencies and refuses
// Unload while dependents are still registered.
package plugin

import (
	"context"
	"sync"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/logger"
)

// Metadata describes a plugin. Name is the unique registry key.
type Metadata struct {
	Name         string   `json:"name" yaml:"name"`
	Version      string   `json:"version" yaml:"version"`
	Description  string   `json:"description" yaml:"description"`
	Author       string   `json:"author" yaml:"author"`
	Dependencies []string `json:"dependencies" yaml:"dependencies"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
}

// Plugin is the capability set every feature module implements. Concrete
// plugins embed *Base, which provides everything except OnLoad.
type Plugin interface {
	// Meta returns the plugin's metadata, including its declared
	// dependencies.
	Meta() Metadata

	// OnLoad activates the plugin: build and register event handlers,
	// open connections, start background loops. Called only after every
	// declared dependency is loaded and initialized.
	OnLoad(ctx context.Context) error

	// OnUnload reverses OnLoad. The Base implementation unregisters every
	// tracked handler.
	OnUnload(ctx context.Context) error

	// OnError receives lifecycle failures (a failed OnLoad or OnUnload,
	// including recovered panics).
	OnError(err error)

	// Initialized reports whether the plugin is currently active.
	Initialized() bool
}

// ---------------------------------------------------------------------------
// Base
// ---------------------------------------------------------------------------

// Base carries the common plugin state: metadata, the bus reference, and the
// set of handlers registered during OnLoad. One Base per plugin instance.
type Base struct {
	meta Metadata
	bus  *bus.Bus

	mu          sync.Mutex
	handlers    []bus.Handler
	initialized bool
}

// NewBase creates the embedded base for a plugin.
func NewBase(meta Metadata, b *bus.Bus) *Base {
	return &Base{meta: meta, bus: b}
}

// Meta implements Plugin.
func (b *Base) Meta() Metadata { return b.meta }

// Bus returns the event bus the plugin is attached to.
func (b *Base) Bus() *bus.Bus { return b.bus }

// RegisterHandler tracks the handler on the plugin and forwards it to the
// bus. Plugins call this from OnLoad so the default OnUnload can clean up.
func (b *Base) RegisterHandler(h bus.Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	b.bus.RegisterHandler(h)
}

// UnregisterAll removes every tracked handler from the bus and clears the
// tracking list.
func (b *Base) UnregisterAll() {
	b.mu.Lock()
	handlers := b.handlers
	b.handlers = nil
	b.mu.Unlock()
	for _, h := range handlers {
		b.bus.UnregisterHandler(h)
	}
}

// Handlers returns a snapshot of the tracked handlers.
func (b *Base) Handlers() []bus.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// OnUnload implements the default teardown: unregister every tracked
// handler. Plugins that hold other resources override this and should still
// call UnregisterAll.
func (b *Base) OnUnload(ctx context.Context) error {
	b.UnregisterAll()
	return nil
}

// OnError implements the default lifecycle failure hook: log and continue.
func (b *Base) OnError(err error) {
	logger.ErrorCF("plugin", "Plugin error", map[string]interface{}{
		"plugin": b.meta.Name,
		"error":  err.Error(),
	})
}

// Initialized implements Plugin.
func (b *Base) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// setInitialized is called by the Manager on lifecycle transitions.
func (b *Base) setInitialized(v bool) {
	b.mu.Lock()
	b.initialized = v
	b.mu.Unlock()
}

// stateSetter is how the Manager flips the initialized flag on any plugin
// that embeds *Base.
type stateSetter interface {
	setInitialized(bool)
}

// handlerOwner is how the Manager force-cleans handlers after a failed
// lifecycle hook.
type handlerOwner interface {
	UnregisterAll()
}
