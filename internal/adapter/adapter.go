// Package adapter defines the uniform contract every configured provider is
// accessed through. The routing engine and health monitor are provider
// agnostic: adding a provider means implementing Adapter, not touching
// routing logic.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relaymeter/relaymeter-gateway/internal/openai"
)

// Adapter is the provider collaborator interface. Credentials are passed per
// call and must never be retained by implementations.
type Adapter interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string

	// ListModels performs the provider's cheapest authenticated call. It
	// doubles as the health probe.
	ListModels(ctx context.Context, apiKey string) ([]string, error)

	// Complete executes one chat completion against the given model.
	Complete(ctx context.Context, model string, req openai.ChatCompletionRequest, apiKey string) (openai.ChatCompletionResponse, error)

	// Validate reports whether the credential is accepted by the provider.
	// A definitive rejection returns (false, nil); transport failures
	// return an error so callers can distinguish "bad key" from "provider
	// unreachable".
	Validate(ctx context.Context, apiKey string) (bool, error)
}

// Registry is the closed set of configured providers.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Duplicate registration is a
// configuration bug.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter: nil adapter")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter: adapter has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter: %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns registered provider names, sorted for determinism.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
