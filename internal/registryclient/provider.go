// Package registryclient abstracts the CI platform that runners register
// against. The interface shape and its package-level Register/Get/Default
// registry are grounded on the teacher's pkg/ci provider registry; the
// method set itself is grounded on the reference implementation's
// github.rs, generalized from a GitHub-only free-function API to an
// interface so other CI platforms can register a Provider the same way
// the teacher's gitlab.go and circleci.go do for pkg/ci.
package registryclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RegisteredRunner is one entry from the CI platform's runner registration
// list, scoped to a single host suffix by the caller.
type RegisteredRunner struct {
	ID     int64
	Busy   bool
	Name   string
	Status string
	Labels []string
}

// LabelWithKey returns the value after "key:" in the runner's labels, if
// present. Nothing in this tree calls it: the runner package takes a
// registration's profile from its name.
func (r RegisteredRunner) LabelWithKey(key string) (string, bool) {
	prefix := key + ":"
	for _, label := range r.Labels {
		if len(label) > len(prefix) && label[:len(prefix)] == prefix {
			return label[len(prefix):], true
		}
	}
	return "", false
}

// JitConfig is the response to a just-in-time runner registration request:
// the registration record plus the opaque encoded config the runner guest
// consumes at boot.
type JitConfig struct {
	Runner          RegisteredRunner
	EncodedJitConfig string
}

// Provider is a CI platform that hosts self-hosted runner registrations.
type Provider interface {
	// Name is the short identifier ("github").
	Name() string

	// ListRegisteredRunnersForHost lists runners registered under this
	// provider whose name ends in this process's configured host suffix.
	ListRegisteredRunnersForHost(ctx context.Context) ([]RegisteredRunner, error)

	// GenerateJitConfig registers a new just-in-time runner named
	// "<name>@<suffix>" with the given label and work folder, returning its
	// encoded configuration.
	GenerateJitConfig(ctx context.Context, name, label, workFolder string) (JitConfig, error)

	// UnregisterRunner removes a runner registration by id.
	UnregisterRunner(ctx context.Context, id int64) error
}

var (
	mu        sync.RWMutex
	providers = map[string]Provider{}
)

// Register makes a Provider available by its Name(). cmd/monitor registers
// the GitHub provider this way at startup.
func Register(p Provider) {
	mu.Lock()
	defer mu.Unlock()
	providers[p.Name()] = p
}

// Get returns the Provider registered under name.
func Get(name string) (Provider, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("registryclient: unknown provider %q (available: %v)", name, namesLocked())
	}
	return p, nil
}

// Default returns the "github" provider, the only one wired today.
func Default() (Provider, error) {
	return Get("github")
}

// Names returns the sorted list of registered provider names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
