package hypervisor

import (
	"fmt"
	"sort"
	"sync"
)

var (
	mu       sync.RWMutex
	adapters = map[string]Adapter{}
)

// Register makes an Adapter available by its Name().
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters[a.Name()] = a
}

// Get returns the Adapter registered under name.
func Get(name string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := adapters[name]
	if !ok {
		return nil, fmt.Errorf("hypervisor: unknown adapter %q (available: %v)", name, namesLocked())
	}
	return a, nil
}

// Default returns the adapter appropriate for the current platform, as
// selected by the build-tagged DefaultAdapterName.
func Default() (Adapter, error) {
	return Get(DefaultAdapterName)
}

// Names returns the sorted list of registered adapter names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
