package plugin

import "errors"

// Sentinel errors for lifecycle gating. Callers match them with errors.Is.
var (
	// ErrUnknownPlugin is returned for operations on a name that is not
	// in the registry.
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")

	// ErrAlreadyLoaded is returned when loading a plugin whose name is
	// already registered.
	ErrAlreadyLoaded = errors.New("plugin: already loaded")

	// ErrDependencyUnmet is returned when a declared dependency is absent
	// or not yet initialized. The load makes no state change.
	ErrDependencyUnmet = errors.New("plugin: dependency unmet")

	// ErrDependentsBlocking is returned when unloading a plugin that other
	// loaded plugins still depend on. The unload makes no state change.
	ErrDependentsBlocking = errors.New("plugin: dependents still loaded")

	// ErrInvalidMetadata is returned for a plugin without a usable name.
	ErrInvalidMetadata = errors.New("plugin: invalid metadata")
)
