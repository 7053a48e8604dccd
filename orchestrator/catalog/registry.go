// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"leadrelay/platform/shared/logger"
)

// Registry is a process-local, read-mostly snapshot of the catalog.
// It is safe for concurrent access. The registry is an explicit cache
// object: it is NOT authoritative across processes, the store is.
// Call Invalidate or ReloadFromStore to pick up catalog changes; a
// stale in-flight read against a just-disabled provider is tolerated
// and caught by ordinary failure handling downstream.
type Registry struct {
	store  Store
	logger *logger.Logger

	mu        sync.RWMutex
	providers map[string]*Provider
	models    map[string]*Model
	loadedAt  time.Time
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithStore sets persistent storage for the registry.
func WithStore(store Store) RegistryOption {
	return func(r *Registry) {
		r.store = store
	}
}

// WithRegistryLogger sets a custom logger for the registry.
func WithRegistryLogger(l *logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a new catalog registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]*Provider),
		models:    make(map[string]*Model),
		logger:    logger.New("catalog"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds or replaces a provider in the snapshot and persists it
// when a store is configured.
func (r *Registry) Register(ctx context.Context, p *Provider) error {
	if p == nil {
		return &CatalogError{Code: ErrCatalogInvalid, Message: "provider cannot be nil"}
	}
	if err := p.Validate(); err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.SaveProvider(ctx, p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	cp := *p
	r.providers[p.Slug] = &cp
	r.mu.Unlock()

	r.logger.Info("", "", "Registered provider", map[string]interface{}{
		"provider": p.Slug,
		"status":   string(p.Status),
	})
	return nil
}

// RegisterModel adds or replaces a model in the snapshot and persists
// it when a store is configured.
func (r *Registry) RegisterModel(ctx context.Context, m *Model) error {
	if m == nil {
		return &CatalogError{Code: ErrCatalogInvalid, Message: "model cannot be nil"}
	}
	if err := m.Validate(); err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.SaveModel(ctx, m); err != nil {
			return err
		}
	}

	r.mu.Lock()
	cp := *m
	r.models[m.Slug] = &cp
	r.mu.Unlock()

	return nil
}

// Disable marks a provider disabled in the store and the snapshot.
// Providers are never removed.
func (r *Registry) Disable(ctx context.Context, slug string) error {
	if r.store != nil {
		if err := r.store.SetProviderStatus(ctx, slug, ProviderStatusDisabled); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[slug]
	if !ok {
		return &CatalogError{Slug: slug, Code: ErrCatalogNotFound, Message: fmt.Sprintf("provider %q not found", slug)}
	}
	p.Status = ProviderStatusDisabled
	return nil
}

// Provider returns a copy of the provider with the given slug.
func (r *Registry) Provider(slug string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[slug]
	if !ok {
		return nil, &CatalogError{Slug: slug, Code: ErrCatalogNotFound, Message: fmt.Sprintf("provider %q not found", slug)}
	}
	cp := *p
	return &cp, nil
}

// Model returns a copy of the model with the given slug.
func (r *Registry) Model(slug string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[slug]
	if !ok {
		return nil, &CatalogError{Slug: slug, Code: ErrCatalogNotFound, Message: fmt.Sprintf("model %q not found", slug)}
	}
	cp := *m
	return &cp, nil
}

// Providers returns copies of all providers, sorted by slug.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ProvidersForCapability returns active providers performing the
// capability in the vertical, ordered by baseline accuracy descending.
func (r *Registry) ProvidersForCapability(c Capability, vertical string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	for _, p := range r.providers {
		if p.IsActive() && p.HasCapability(c) && p.SupportsVertical(vertical) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaselineAccuracy != out[j].BaselineAccuracy {
			return out[i].BaselineAccuracy > out[j].BaselineAccuracy
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}

// Models returns copies of all models, sorted by priority descending.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}

// DefaultModel returns the snapshot's default model.
func (r *Registry) DefaultModel() (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.models {
		if m.IsDefault && m.Enabled {
			cp := *m
			return &cp, nil
		}
	}
	return nil, &CatalogError{Code: ErrCatalogNotFound, Message: "no default model configured"}
}

// Invalidate clears the snapshot. The next ReloadFromStore repopulates
// it; reads between the two see an empty catalog, so callers that can
// tolerate staleness should prefer ReloadFromStore directly.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]*Provider)
	r.models = make(map[string]*Model)
	r.loadedAt = time.Time{}
}

// ReloadFromStore replaces the snapshot with the store's current state.
func (r *Registry) ReloadFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*Provider, len(providers))
	for i := range providers {
		fresh[providers[i].Slug] = &providers[i]
	}
	freshModels := make(map[string]*Model, len(models))
	for i := range models {
		freshModels[models[i].Slug] = &models[i]
	}

	r.mu.Lock()
	r.providers = fresh
	r.models = freshModels
	r.loadedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("", "", "Reloaded catalog from store", map[string]interface{}{
		"providers": len(providers),
		"models":    len(models),
	})
	return nil
}

// StartPeriodicReload starts a background goroutine that periodically
// reloads the snapshot from the store until ctx is cancelled.
func (r *Registry) StartPeriodicReload(ctx context.Context, interval time.Duration) {
	if r.store == nil {
		r.logger.Warn("", "", "Store not configured - skipping periodic reload", nil)
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.ReloadFromStore(ctx); err != nil {
					r.logger.ErrorWithErr("", "", "Periodic catalog reload failed", err, nil)
				}
			}
		}
	}()
}

// LoadedAt returns when the snapshot was last reloaded from the store.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}
