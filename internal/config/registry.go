package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/inkwise/inkwise/pkg/provider/llm"
)

// ErrDriverNotRegistered is returned by CreateProvider when no factory has
// been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// Registry maps driver names to LLM provider constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]func(ProviderConfig) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]func(ProviderConfig) (llm.Provider, error)),
	}
}

// Register registers a provider factory under the given driver name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(driver string, factory func(ProviderConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driver] = factory
}

// CreateProvider instantiates an LLM provider using the factory registered
// under entry.Driver. Returns [ErrDriverNotRegistered] if no factory has been
// registered for that driver.
func (r *Registry) CreateProvider(entry ProviderConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.drivers[entry.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotRegistered, entry.Driver)
	}
	return factory(entry)
}
