package adapter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/unified-agent/gateway/internal/config"
	"github.com/unified-agent/gateway/pkg/protocol"
)

// Registry maps provider names to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter for a provider. Panics on duplicate.
func (r *Registry) Register(provider string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[provider]; exists {
		panic(fmt.Sprintf("adapter already registered for provider: %s", provider))
	}
	r.adapters[provider] = a
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider: %s", provider)
	}
	return a, nil
}

// Providers returns all registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry creates a registry with all built-in adapters.
func DefaultRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register(protocol.ProviderMock, NewMockAdapter())
	r.Register(protocol.ProviderClaude, NewClaudeAdapter(cfg, logger))
	r.Register(protocol.ProviderCodex, NewCodexAdapter(logger))
	r.Register(protocol.ProviderGemini, NewGeminiAdapter(logger))
	return r
}
