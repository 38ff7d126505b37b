package adapter

import (
	"context"
	"fmt"
)

// KeyChecker routes key validation to the registered adapter for a provider.
type KeyChecker struct {
	registry *Registry
}

// NewKeyChecker returns a KeyChecker backed by registry.
func NewKeyChecker(registry *Registry) *KeyChecker {
	return &KeyChecker{registry: registry}
}

// Validate checks apiKey against the named provider.
func (k *KeyChecker) Validate(ctx context.Context, provider, apiKey string) (bool, error) {
	a, ok := k.registry.Get(provider)
	if !ok {
		return false, fmt.Errorf("adapter: unknown provider %q", provider)
	}
	return a.Validate(ctx, apiKey)
}
