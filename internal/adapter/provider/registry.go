package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"conductor-ai/internal/domain"
)

// Registry holds named providers and their descriptors.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]domain.Provider
	descriptors map[string]domain.ProviderDescriptor
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:   make(map[string]domain.Provider),
		descriptors: make(map[string]domain.ProviderDescriptor),
	}
}

// Register adds a provider. Returns error if the name is already registered.
func (r *Registry) Register(p domain.Provider, desc domain.ProviderDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	desc.ID = name
	r.providers[name] = p
	r.descriptors[name] = desc
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Descriptors returns a copy of every registered descriptor keyed by provider name.
func (r *Registry) Descriptors() map[string]domain.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.ProviderDescriptor, len(r.descriptors))
	for k, v := range r.descriptors {
		out[k] = v
	}
	return out
}

// List returns all registered provider names, sorted.
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

// ProviderStatus is the availability report of one provider.
type ProviderStatus struct {
	Descriptor domain.ProviderDescriptor `json:"descriptor"`
	Available  bool                      `json:"available"`
}

// Status probes every provider concurrently.
func (r *Registry) Status(ctx context.Context) []ProviderStatus {
	names := r.List()
	out := make([]ProviderStatus, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		r.mu.RLock()
		p, desc := r.providers[name], r.descriptors[name]
		r.mu.RUnlock()

		out[i].Descriptor = desc
		wg.Add(1)
		go func(i int, p domain.Provider) {
			defer wg.Done()
			out[i].Available = p.IsAvailable(ctx)
		}(i, p)
	}
	wg.Wait()
	return out
}
