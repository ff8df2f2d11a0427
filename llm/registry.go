package llm

import (
	"fmt"
	"sort"
	"sync"
)

// ProviderRegistry is a thread-safe registry mapping provider names to
// Provider implementations. The registry is constructed explicitly by the
// application's startup code and passed by reference; there is no ambient
// process-wide instance, so tests can build independently configured sets.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defName   string
}

// NewProviderRegistry creates an empty ProviderRegistry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider under the given name, replacing any existing one.
func (r *ProviderRegistry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get retrieves a provider by name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Default returns the designated default provider.
func (r *ProviderRegistry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defName == "" {
		return nil, fmt.Errorf("no default provider set")
	}
	p, ok := r.providers[r.defName]
	if !ok {
		return nil, fmt.Errorf("default provider %q not registered", r.defName)
	}
	return p, nil
}

// SetDefault designates a registered provider as the default.
func (r *ProviderRegistry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.defName = name
	return nil
}

// List returns the sorted names of all registered providers.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a provider; clears the default if it pointed at it.
func (r *ProviderRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	if r.defName == name {
		r.defName = ""
	}
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
