// Package registry implements the proxy's provider/alias/API-key registry:
// a concurrently readable map supporting rare live writes.
package registry

import (
	"sort"
	"sync"

	"github.com/dimfeld/chronicle-proxy/internal/providers"
)

// AliasEntry is one (provider, model, optional api-key-name) fallback choice
// inside an AliasConfig.
type AliasEntry struct {
	Model      string `json:"model" toml:"model"`
	Provider   string `json:"provider" toml:"provider"`
	ApiKeyName string `json:"api_key_name,omitempty" toml:"api_key_name"`
}

// AliasConfig is a named, ordered bundle of fallback choices (spec §3).
type AliasConfig struct {
	Name        string       `json:"name" toml:"name"`
	RandomOrder bool         `json:"random_order" toml:"random_order"`
	Entries     []AliasEntry `json:"models" toml:"models"`
}

// ApiKeyConfig names a secret; Source "env" means Value is the name of an
// environment variable resolved once at build time (spec §3).
type ApiKeyConfig struct {
	Name   string `json:"name" toml:"name"`
	Source string `json:"source" toml:"source"` // "env" or "literal"
	Value  string `json:"value" toml:"value"`
}

// Registry is the thread-safe concurrent map from name -> provider,
// alias-name -> alias, key-name -> resolved key value (spec §4.B).
//
// Readers take a shared lock; writers take an exclusive lock. Writes are
// rare administrative actions so a plain RWMutex, not a lock-free
// copy-on-write structure, is the right tool here (grounded on
// llm/registry.go's identical choice for the same access pattern).
type Registry struct {
	mu              sync.RWMutex
	providerList    []string // insertion order, for deterministic default-provider scans
	providerByName  map[string]providers.Provider
	aliases         map[string]AliasConfig
	apiKeys         map[string]string // name -> resolved secret value
}

func New() *Registry {
	return &Registry{
		providerByName: make(map[string]providers.Provider),
		aliases:        make(map[string]AliasConfig),
		apiKeys:        make(map[string]string),
	}
}

// SetProvider registers or replaces a provider under its Name().
func (r *Registry) SetProvider(p providers.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.providerByName[name]; !exists {
		r.providerList = append(r.providerList, name)
	}
	r.providerByName[name] = p
}

// RemoveProvider removes a provider by name.
func (r *Registry) RemoveProvider(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providerByName, name)
	for i, n := range r.providerList {
		if n == name {
			r.providerList = append(r.providerList[:i], r.providerList[i+1:]...)
			break
		}
	}
}

// GetProvider returns the provider registered under name.
func (r *Registry) GetProvider(name string) (providers.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providerByName[name]
	return p, ok
}

// DefaultProviderForModel returns the first registered provider (in
// insertion order) whose IsDefaultForModel(model) returns true.
func (r *Registry) DefaultProviderForModel(model string) (providers.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.providerList {
		p := r.providerByName[name]
		if p.IsDefaultForModel(model) {
			return p, true
		}
	}
	return nil, false
}

// ListProviders returns provider names in sorted order.
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providerByName))
	for n := range r.providerByName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetAlias registers or replaces an alias.
func (r *Registry) SetAlias(a AliasConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[a.Name] = a
}

// RemoveAlias removes an alias by name.
func (r *Registry) RemoveAlias(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aliases, name)
}

// GetAlias returns the alias registered under name.
func (r *Registry) GetAlias(name string) (AliasConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aliases[name]
	return a, ok
}

// SetApiKey registers or replaces a resolved API key value under name.
func (r *Registry) SetApiKey(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKeys[name] = value
}

// RemoveApiKey removes an API key by name.
func (r *Registry) RemoveApiKey(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apiKeys, name)
}

// LookupApiKey returns the resolved secret value for a key name.
func (r *Registry) LookupApiKey(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.apiKeys[name]
	return v, ok
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providerByName)
}
