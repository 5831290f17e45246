package ai

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ProviderDeps are the runtime collaborators handed to a provider factory.
type ProviderDeps struct {
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     *slog.Logger
}

// ProviderFactory creates a Provider.
type ProviderFactory func(deps ProviderDeps) (Provider, error)

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	Type          ProviderType
	Name          string
	Description   string
	DefaultAPIURL string
	AuthMethod    string // "bearer", "x-api-key", "x-goog-api-key"
	RequiresKey   bool
}

// Registry maps provider ids to their adapter and client factory.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[ProviderType]Adapter
	factories map[ProviderType]ProviderFactory
	info      map[ProviderType]ProviderInfo
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[ProviderType]Adapter),
		factories: make(map[ProviderType]ProviderFactory),
		info:      make(map[ProviderType]ProviderInfo),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(info ProviderInfo, adapter Adapter, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[info.Type] = adapter
	r.factories[info.Type] = factory
	r.info[info.Type] = info
}

// Adapter returns the request adapter for a provider id.
func (r *Registry) Adapter(providerType ProviderType) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[providerType]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownProvider(providerType)
	}
	return adapter, nil
}

// GetProvider creates a provider instance by id.
func (r *Registry) GetProvider(providerType ProviderType, deps ProviderDeps) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[providerType]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownProvider(providerType)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retry == (RetryPolicy{}) {
		deps.Retry = DefaultRetryPolicy()
	}
	return factory(deps)
}

// RouteRequest selects the adapter for cfg.Provider and builds the wire
// request. An envelope without a system instruction falls back to the
// config's system prompt.
func (r *Registry) RouteRequest(cfg ProviderConfig, env ContextEnvelope, streaming bool, apiKey string) (WireRequest, error) {
	adapter, err := r.Adapter(cfg.Provider)
	if err != nil {
		return WireRequest{}, err
	}
	return adapter.BuildRequest(cfg, env.WithSystemFallback(cfg), streaming, apiKey)
}

// ListProviders returns information about all registered providers sorted
// by id.
func (r *Registry) ListProviders() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]ProviderInfo, 0, len(r.info))
	for _, info := range r.info {
		providers = append(providers, info)
	}
	sort.Slice(providers, func(i, j int) bool {
		return providers[i].Type < providers[j].Type
	})
	return providers
}

// GetProviderInfo returns information about a specific provider.
func (r *Registry) GetProviderInfo(providerType ProviderType) (ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.info[providerType]
	return info, ok
}

// IsRegistered checks if a provider id is registered.
func (r *Registry) IsRegistered(providerType ProviderType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[providerType]
	return ok
}

func unknownProvider(providerType ProviderType) error {
	return &ConfigError{Provider: providerType, Field: "provider", Message: "unknown provider: " + string(providerType)}
}

// DefaultRegistry is the global provider registry.
var DefaultRegistry = NewRegistry()

// RegisterProvider registers a provider with the default registry.
func RegisterProvider(info ProviderInfo, adapter Adapter, factory ProviderFactory) {
	DefaultRegistry.Register(info, adapter, factory)
}

// GetProvider creates a provider from the default registry.
func GetProvider(providerType ProviderType, deps ProviderDeps) (Provider, error) {
	return DefaultRegistry.GetProvider(providerType, deps)
}

// RouteRequest builds a wire request using the default registry.
func RouteRequest(cfg ProviderConfig, env ContextEnvelope, streaming bool, apiKey string) (WireRequest, error) {
	return DefaultRegistry.RouteRequest(cfg, env, streaming, apiKey)
}

// ListProviders returns all providers from the default registry.
func ListProviders() []ProviderInfo {
	return DefaultRegistry.ListProviders()
}

// SupportedProviders returns every provider id the module ships.
func SupportedProviders() []ProviderType {
	return []ProviderType{
		ProviderOpenAI,
		ProviderOpenRouter,
		ProviderOpenAIResponses,
		ProviderAnthropic,
		ProviderGemini,
	}
}

// ValidateProviderType checks if a provider id string is valid.
func ValidateProviderType(s string) (ProviderType, bool) {
	pt := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	for _, supported := range SupportedProviders() {
		if pt == supported {
			return pt, true
		}
	}
	return "", false
}
