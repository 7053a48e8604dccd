// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"fmt"
	"sync"

	"leadrelay/platform/orchestrator/catalog"
)

// AdapterConfig is the configuration handed to an adapter factory.
type AdapterConfig struct {
	// ProviderSlug is the catalog slug the adapter will serve.
	ProviderSlug string `json:"provider_slug"`

	// Type selects the adapter implementation.
	Type AdapterType `json:"type"`

	// Credentials is the opaque blob from the provider configuration.
	// Factories decode it; nothing else inspects it.
	Credentials []byte `json:"-"`

	// Endpoint overrides the implementation's default API endpoint.
	Endpoint string `json:"endpoint,omitempty"`

	// Settings carries implementation-specific options.
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// AdapterType identifies an adapter implementation.
type AdapterType string

// Adapter types with built-in factories registered by their packages.
const (
	AdapterTypeAnthropic AdapterType = "anthropic"
	AdapterTypeOpenAI    AdapterType = "openai"
	AdapterTypeGoogle    AdapterType = "google"
	AdapterTypeCustom    AdapterType = "custom"
)

// AdapterFactory creates an Adapter from configuration. Factories
// must validate the config and fail loudly rather than return a
// half-configured adapter.
type AdapterFactory func(config AdapterConfig) (Adapter, error)

// Factory error codes.
const (
	ErrFactoryMissingType   = "FACTORY_MISSING_TYPE"
	ErrFactoryNotRegistered = "FACTORY_NOT_REGISTERED"
	ErrFactoryCreateFailed  = "FACTORY_CREATE_FAILED"
)

// FactoryError reports an adapter construction failure.
type FactoryError struct {
	Type    AdapterType
	Code    string
	Message string
	Cause   error
}

func (e *FactoryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FactoryError) Unwrap() error { return e.Cause }

// FactoryManager holds adapter factories. The zero value is unusable;
// use NewFactoryManager. Most callers use the package-level functions
// backed by the global manager; isolated managers exist for tests and
// embedded setups.
type FactoryManager struct {
	mu        sync.RWMutex
	factories map[AdapterType]AdapterFactory
}

// NewFactoryManager creates an empty factory manager.
func NewFactoryManager() *FactoryManager {
	return &FactoryManager{factories: make(map[AdapterType]AdapterFactory)}
}

var globalFactories = NewFactoryManager()

// Register installs a factory for an adapter type, overwriting any
// existing registration.
func (m *FactoryManager) Register(t AdapterType, factory AdapterFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[t] = factory
}

// Has reports whether a factory is registered for the type.
func (m *FactoryManager) Has(t AdapterType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.factories[t]
	return ok
}

// Types returns all registered adapter types.
func (m *FactoryManager) Types() []AdapterType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]AdapterType, 0, len(m.factories))
	for t := range m.factories {
		types = append(types, t)
	}
	return types
}

// Create builds an adapter for the config using the registered
// factory.
func (m *FactoryManager) Create(config AdapterConfig) (Adapter, error) {
	if config.Type == "" {
		return nil, &FactoryError{Code: ErrFactoryMissingType, Message: "adapter type is required"}
	}

	m.mu.RLock()
	factory := m.factories[config.Type]
	m.mu.RUnlock()

	if factory == nil {
		return nil, &FactoryError{
			Type:    config.Type,
			Code:    ErrFactoryNotRegistered,
			Message: fmt.Sprintf("no factory registered for adapter type %q", config.Type),
		}
	}

	adapter, err := factory(config)
	if err != nil {
		return nil, &FactoryError{
			Type:    config.Type,
			Code:    ErrFactoryCreateFailed,
			Message: fmt.Sprintf("factory for %q failed", config.Type),
			Cause:   err,
		}
	}
	return adapter, nil
}

// RegisterFactory registers a factory on the global manager. Adapter
// packages call this from init().
func RegisterFactory(t AdapterType, factory AdapterFactory) {
	globalFactories.Register(t, factory)
}

// CreateAdapter builds an adapter using the global manager.
func CreateAdapter(config AdapterConfig) (Adapter, error) {
	return globalFactories.Create(config)
}

// HasFactory reports global registration for an adapter type.
func HasFactory(t AdapterType) bool {
	return globalFactories.Has(t)
}

// BuildAdapters constructs one adapter per active catalog provider
// using its tenant-default configuration. Providers whose type has no
// registered factory are skipped, not fatal: a deployment only links
// the bindings it uses.
func BuildAdapters(manager *FactoryManager, providers []catalog.Provider, configs map[string]*catalog.ProviderConfiguration) (map[string]Adapter, error) {
	if manager == nil {
		manager = globalFactories
	}

	adapters := make(map[string]Adapter)
	for _, p := range providers {
		if !p.IsActive() {
			continue
		}
		t := AdapterType(p.Slug)
		if cfg := configs[p.Slug]; cfg != nil && len(cfg.Credentials) > 0 {
			adapter, err := manager.Create(AdapterConfig{
				ProviderSlug: p.Slug,
				Type:         t,
				Credentials:  cfg.Credentials,
			})
			if err != nil {
				if fe, ok := err.(*FactoryError); ok && fe.Code == ErrFactoryNotRegistered {
					continue
				}
				return nil, err
			}
			adapters[p.Slug] = adapter
		}
	}
	return adapters, nil
}
