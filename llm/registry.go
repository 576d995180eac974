package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/thinkflow/types"
)

// Registry is a thread-safe provider registry. It supports registering,
// retrieving, and listing providers, plus designating a default.
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
	mu              sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under the given name. An existing provider with
// the same name is replaced.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Default returns the default provider. Returns an error if no default has
// been set or the default name is no longer registered.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultProvider == "" {
		return nil, fmt.Errorf("no default provider set")
	}
	p, ok := r.providers[r.defaultProvider]
	if !ok {
		return nil, fmt.Errorf("default provider %q not found in registry", r.defaultProvider)
	}
	return p, nil
}

// SetDefault designates an existing registered provider as the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.defaultProvider = name
	return nil
}

// List returns the sorted names of all registered providers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a provider. If it was the default, the default is
// cleared.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	if r.defaultProvider == name {
		r.defaultProvider = ""
	}
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Resolve maps a model reference to a provider and the upstream model name.
// A "provider:model" reference selects that provider explicitly; a bare
// reference resolves through the default provider. Only the first colon
// splits, so the model part may itself contain colons.
func (r *Registry) Resolve(ref string) (Provider, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, "", types.InvalidRequestError("model reference is empty")
	}

	if name, model, ok := strings.Cut(ref, ":"); ok {
		if name == "" || model == "" {
			return nil, "", types.InvalidRequestError(fmt.Sprintf("malformed model reference %q", ref))
		}
		p, found := r.Get(name)
		if !found {
			return nil, "", types.NotFoundError(fmt.Sprintf("provider %q is not registered", name)).WithProvider(name)
		}
		return p, model, nil
	}

	p, err := r.Default()
	if err != nil {
		return nil, "", types.NotFoundError(fmt.Sprintf("cannot resolve model reference %q: %v", ref, err))
	}
	return p, ref, nil
}
