package workerhost

import (
	"fmt"
	"sync"
)

// EntryFunc is the function a worker process runs once it has attached its
// Bridge to the command/event pipes. It blocks until the worker exits on
// its own or the bridge observes a kill request.
type EntryFunc func(b *Bridge, config string) error

// ErrUnknownMod is returned by LookupMod when mod has not been registered.
var ErrUnknownMod = fmt.Errorf("workerhost: unknown mod")

var (
	registryMu sync.RWMutex
	registry   = map[string]EntryFunc{}
)

// RegisterMod associates a mod name with the function that runs inside the
// worker process for that mod. Call from an init() in the package that
// defines the mod, mirroring how client types register themselves by name
// instead of the manager knowing every concrete worker kind.
func RegisterMod(mod string, fn EntryFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[mod] = fn
}

// LookupMod returns the entry function registered for mod, or
// ErrUnknownMod if nothing is registered under that name.
func LookupMod(mod string) (EntryFunc, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[mod]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMod, mod)
	}
	return fn, nil
}

// RegisteredMods returns the names of all registered mods, for
// diagnostics and tests.
func RegisteredMods() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// IsRegistered reports whether mod has a registered entry function.
func IsRegistered(mod string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[mod]
	return ok
}
