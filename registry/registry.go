// Package registry is a process-wide name→handle lookup populated at init
// and torn down in reverse registration order, replacing ad-hoc package
// globals for the shared device handles (camera, speaker, mic, broker).
package registry

import (
	"fmt"
	"sync"
)

// Closer is implemented by any handle that owns a resource needing ordered
// teardown (a camera, an audio stream, a broker session, ...).
type Closer interface {
	Close() error
}

// Registry is a name→handle map with ordered teardown. The zero value is
// not usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]interface{}
	order   []string // registration order; teardown walks it in reverse
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[string]interface{})}
}

// Register installs a handle under name. Re-registering the same name
// replaces the handle but does not change its position in teardown order.
func (r *Registry) Register(name string, handle interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handles[name] = handle
}

// Get returns the handle registered under name, or ok=false if none exists.
// Lookup never blocks on teardown.
func (r *Registry) Get(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// MustGet is Get, panicking if name was never registered. Intended for
// wiring code at startup, not for request-time lookups.
func (r *Registry) MustGet(name string) interface{} {
	h, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("registry: %q not registered", name))
	}
	return h
}

// Teardown closes every registered Closer in reverse registration order,
// collecting (not stopping on) errors.
func (r *Registry) Teardown() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if c, ok := r.handles[name].(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("registry: close %q: %w", name, err))
			}
		}
	}
	return errs
}
