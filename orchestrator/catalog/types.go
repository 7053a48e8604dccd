// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package catalog defines the provider and model catalog for LeadRelay.
// The catalog is the source of truth for which external capability
// providers exist, what they can do, what they cost, and how hard they
// may be driven. Routing, rate limiting, and fallback all consult it.
package catalog

import (
	"fmt"
	"time"
)

// ProviderStatus indicates whether a provider may receive traffic.
// Providers are disabled, never hard-deleted, so historical usage and
// accuracy rows keep a valid owner.
type ProviderStatus string

const (
	// ProviderStatusActive means the provider is eligible for routing.
	ProviderStatusActive ProviderStatus = "active"

	// ProviderStatusDisabled means the provider is retained but skipped
	// by all selection logic.
	ProviderStatusDisabled ProviderStatus = "disabled"
)

// Capability is an abstract function a provider can perform.
// Standard capabilities are defined as constants, but custom values can
// be registered for third-party providers.
type Capability string

// Standard capabilities supported out of the box.
const (
	// CapabilityCompletion indicates support for LLM text completion.
	CapabilityCompletion Capability = "completion"

	// CapabilityOutreachGeneration indicates optimized sales-outreach drafting.
	CapabilityOutreachGeneration Capability = "outreach_generation"

	// CapabilityCompanyEnrichment indicates company data enrichment.
	CapabilityCompanyEnrichment Capability = "company_enrichment"

	// CapabilityContactEnrichment indicates contact/person data enrichment.
	CapabilityContactEnrichment Capability = "contact_enrichment"

	// CapabilityIntentClassification indicates buying-intent classification.
	CapabilityIntentClassification Capability = "intent_classification"

	// CapabilityVision indicates support for image input.
	CapabilityVision Capability = "vision"

	// CapabilityFunctionCalling indicates support for function/tool calling.
	CapabilityFunctionCalling Capability = "function_calling"

	// CapabilityStreaming indicates support for streaming responses.
	CapabilityStreaming Capability = "streaming"
)

// RateLimitDefaults holds the default admission limits for a provider.
// A zero value means unlimited for that window.
type RateLimitDefaults struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerDay    int `json:"per_day" yaml:"per_day"`
	PerMonth  int `json:"per_month" yaml:"per_month"`
}

// Provider describes one external capability provider.
type Provider struct {
	// Slug is the unique identifier used for routing, logging, and metrics.
	// Example: "anthropic", "clearbit", "apollo".
	Slug string `json:"slug"`

	// DisplayName is the human-readable provider name.
	DisplayName string `json:"display_name,omitempty"`

	// Capabilities lists the abstract functions this provider performs.
	Capabilities []Capability `json:"capabilities"`

	// SupportedVerticals restricts the provider to specific business
	// domains. Empty means all verticals.
	SupportedVerticals []string `json:"supported_verticals,omitempty"`

	// RateLimits are the default admission limits, overridable per tenant.
	RateLimits RateLimitDefaults `json:"rate_limits"`

	// CostPerRequest is the baseline cost of one invocation in USD.
	// LLM providers are priced per token instead; see the cost package.
	CostPerRequest float64 `json:"cost_per_request"`

	// BaselineAccuracy is the vendor-claimed correctness in [0,1], used
	// to rank providers that have no observed validation outcomes yet.
	BaselineAccuracy float64 `json:"baseline_accuracy"`

	// BaselineFreshnessDays is the vendor-claimed data staleness bound.
	BaselineFreshnessDays int `json:"baseline_freshness_days,omitempty"`

	// Status controls routing eligibility. Disabled providers are kept.
	Status ProviderStatus `json:"status"`

	// IsGlobal marks providers available to every tenant without a
	// tenant-scoped configuration.
	IsGlobal bool `json:"is_global"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasCapability returns true if the provider performs the capability.
func (p *Provider) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// SupportsVertical returns true if the provider serves the vertical.
// An empty SupportedVerticals list means every vertical is served.
func (p *Provider) SupportsVertical(vertical string) bool {
	if len(p.SupportedVerticals) == 0 || vertical == "" {
		return true
	}
	for _, v := range p.SupportedVerticals {
		if v == vertical {
			return true
		}
	}
	return false
}

// IsActive returns true if the provider may receive traffic.
func (p *Provider) IsActive() bool {
	return p.Status == ProviderStatusActive
}

// ModelCapabilities flags the hard capabilities of an LLM model.
type ModelCapabilities struct {
	Vision    bool `json:"vision"`
	Functions bool `json:"functions"`
	JSONMode  bool `json:"json_mode"`
}

// Model describes one LLM model offered by a provider.
type Model struct {
	// Slug is the unique model identifier, e.g. "claude-3-5-sonnet".
	Slug string `json:"slug"`

	// ProviderSlug references the owning provider.
	ProviderSlug string `json:"provider_slug"`

	// Capabilities are the hard feature flags routing filters on.
	Capabilities ModelCapabilities `json:"capabilities"`

	// CostPer1K is the blended cost per 1000 tokens in USD, used for
	// budget-constrained selection. Precise input/output pricing lives
	// in the cost package.
	CostPer1K float64 `json:"cost_per_1k"`

	// QualityScore ranks models by observed output quality in [0,1].
	QualityScore float64 `json:"quality_score"`

	// Priority breaks ties between equally scored models (higher wins).
	Priority int `json:"priority"`

	// IsDefault marks the catalog default returned when no rule,
	// preference, or scored candidate matches.
	IsDefault bool `json:"is_default"`

	// Enabled gates the model for routing without touching the provider.
	Enabled bool `json:"enabled"`
}

// Satisfies returns true if the model meets every hard requirement.
func (m *Model) Satisfies(req ModelRequirements) bool {
	if req.RequiresVision && !m.Capabilities.Vision {
		return false
	}
	if req.RequiresFunctions && !m.Capabilities.Functions {
		return false
	}
	if req.RequiresJSON && !m.Capabilities.JSONMode {
		return false
	}
	if req.MaxCostPer1K > 0 && m.CostPer1K > req.MaxCostPer1K {
		return false
	}
	return true
}

// ModelRequirements are the hard constraints for model selection.
type ModelRequirements struct {
	Vertical          string  `json:"vertical,omitempty"`
	PreferQuality     bool    `json:"prefer_quality,omitempty"`
	MaxCostPer1K      float64 `json:"max_cost_per_1k,omitempty"`
	RequiresVision    bool    `json:"requires_vision,omitempty"`
	RequiresFunctions bool    `json:"requires_functions,omitempty"`
	RequiresJSON      bool    `json:"requires_json,omitempty"`
}

// ProviderConfiguration is a tenant-scoped override for a provider.
// At most one default configuration (empty TenantID) and one per tenant
// exist; writes are upserts.
type ProviderConfiguration struct {
	ProviderSlug string `json:"provider_slug"`

	// TenantID scopes the configuration. Empty is the shared default.
	TenantID string `json:"tenant_id,omitempty"`

	// Credentials is an opaque encrypted blob. This layer never
	// inspects it; adapters decode it.
	Credentials []byte `json:"-"`

	// RateLimits overrides the provider defaults when non-nil.
	RateLimits *RateLimitDefaults `json:"rate_limits,omitempty"`

	// Priority orders providers within dynamically ranked chains.
	Priority int `json:"priority"`

	// Enabled gates the provider for this tenant only.
	Enabled bool `json:"enabled"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// EffectiveLimits resolves the admission limits for a provider given an
// optional tenant configuration.
func EffectiveLimits(p *Provider, cfg *ProviderConfiguration) RateLimitDefaults {
	if cfg != nil && cfg.RateLimits != nil {
		return *cfg.RateLimits
	}
	return p.RateLimits
}

// Validate checks a provider definition before registration.
func (p *Provider) Validate() error {
	if p.Slug == "" {
		return &CatalogError{Code: ErrCatalogInvalid, Message: "provider slug is required"}
	}
	if len(p.Capabilities) == 0 {
		return &CatalogError{Slug: p.Slug, Code: ErrCatalogInvalid, Message: "provider must declare at least one capability"}
	}
	if p.Status != ProviderStatusActive && p.Status != ProviderStatusDisabled {
		return &CatalogError{Slug: p.Slug, Code: ErrCatalogInvalid, Message: fmt.Sprintf("unknown provider status %q", p.Status)}
	}
	if p.BaselineAccuracy < 0 || p.BaselineAccuracy > 1 {
		return &CatalogError{Slug: p.Slug, Code: ErrCatalogInvalid, Message: "baseline accuracy must be in [0,1]"}
	}
	if p.RateLimits.PerMinute < 0 || p.RateLimits.PerDay < 0 || p.RateLimits.PerMonth < 0 {
		return &CatalogError{Slug: p.Slug, Code: ErrCatalogInvalid, Message: "rate limits must be non-negative (0 for unlimited)"}
	}
	return nil
}

// Validate checks a model definition before registration.
func (m *Model) Validate() error {
	if m.Slug == "" {
		return &CatalogError{Code: ErrCatalogInvalid, Message: "model slug is required"}
	}
	if m.ProviderSlug == "" {
		return &CatalogError{Slug: m.Slug, Code: ErrCatalogInvalid, Message: "model must reference a provider"}
	}
	if m.CostPer1K < 0 {
		return &CatalogError{Slug: m.Slug, Code: ErrCatalogInvalid, Message: "cost per 1k must be non-negative"}
	}
	if m.QualityScore < 0 || m.QualityScore > 1 {
		return &CatalogError{Slug: m.Slug, Code: ErrCatalogInvalid, Message: "quality score must be in [0,1]"}
	}
	return nil
}

// CatalogError represents an error from catalog operations.
type CatalogError struct {
	Slug    string
	Code    string
	Message string
	Cause   error
}

// Catalog error codes.
const (
	// ErrCatalogNotFound indicates the provider or model was not found.
	ErrCatalogNotFound = "catalog_not_found"

	// ErrCatalogInvalid indicates an invalid definition.
	ErrCatalogInvalid = "catalog_invalid"

	// ErrCatalogStorage indicates a storage operation failed.
	ErrCatalogStorage = "catalog_storage_error"
)

// Error implements the error interface.
func (e *CatalogError) Error() string {
	if e.Slug != "" {
		return fmt.Sprintf("catalog error for %q: %s", e.Slug, e.Message)
	}
	return fmt.Sprintf("catalog error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *CatalogError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err is a catalog not-found error.
func IsNotFound(err error) bool {
	ce, ok := err.(*CatalogError)
	return ok && ce.Code == ErrCatalogNotFound
}
