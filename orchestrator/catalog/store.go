// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Store defines the persistent catalog storage contract.
// Implement this interface to back the catalog with a database.
type Store interface {
	// SaveProvider upserts a provider definition.
	SaveProvider(ctx context.Context, p *Provider) error

	// GetProvider retrieves a provider by slug.
	GetProvider(ctx context.Context, slug string) (*Provider, error)

	// ListProviders returns all providers, including disabled ones.
	ListProviders(ctx context.Context) ([]Provider, error)

	// SetProviderStatus flips a provider between active and disabled.
	// Providers are never deleted.
	SetProviderStatus(ctx context.Context, slug string, status ProviderStatus) error

	// SaveConfiguration upserts a tenant-scoped provider configuration.
	SaveConfiguration(ctx context.Context, cfg *ProviderConfiguration) error

	// GetConfiguration retrieves the configuration for (provider, tenant),
	// falling back to the tenant-less default row. Returns nil without
	// error when neither exists.
	GetConfiguration(ctx context.Context, providerSlug, tenantID string) (*ProviderConfiguration, error)

	// SaveModel upserts a model definition.
	SaveModel(ctx context.Context, m *Model) error

	// ListModels returns all enabled models.
	ListModels(ctx context.Context) ([]Model, error)

	// GetDefaultModel returns the catalog default model.
	GetDefaultModel(ctx context.Context) (*Model, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the catalog tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			slug VARCHAR(255) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			capabilities TEXT[] NOT NULL DEFAULT '{}',
			supported_verticals TEXT[] NOT NULL DEFAULT '{}',
			limit_per_minute INTEGER NOT NULL DEFAULT 0,
			limit_per_day INTEGER NOT NULL DEFAULT 0,
			limit_per_month INTEGER NOT NULL DEFAULT 0,
			cost_per_request DOUBLE PRECISION NOT NULL DEFAULT 0,
			baseline_accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
			baseline_freshness_days INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL DEFAULT 'active',
			is_global BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS provider_configurations (
			id BIGSERIAL PRIMARY KEY,
			provider_slug VARCHAR(255) NOT NULL REFERENCES providers(slug),
			tenant_id VARCHAR(255) NOT NULL DEFAULT '',
			credentials TEXT NOT NULL DEFAULT '',
			rate_limits JSONB,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT true,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (provider_slug, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			slug VARCHAR(255) PRIMARY KEY,
			provider_slug VARCHAR(255) NOT NULL REFERENCES providers(slug),
			supports_vision BOOLEAN NOT NULL DEFAULT false,
			supports_functions BOOLEAN NOT NULL DEFAULT false,
			supports_json_mode BOOLEAN NOT NULL DEFAULT false,
			cost_per_1k DOUBLE PRECISION NOT NULL DEFAULT 0,
			quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			is_default BOOLEAN NOT NULL DEFAULT false,
			enabled BOOLEAN NOT NULL DEFAULT true,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to create catalog tables: %v", err), Cause: err}
		}
	}
	return nil
}

// SaveProvider upserts a provider definition.
func (s *PostgresStore) SaveProvider(ctx context.Context, p *Provider) error {
	if p == nil {
		return errors.New("provider cannot be nil")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	caps := make([]string, len(p.Capabilities))
	for i, c := range p.Capabilities {
		caps[i] = string(c)
	}

	query := `
		INSERT INTO providers (
			slug, display_name, capabilities, supported_verticals,
			limit_per_minute, limit_per_day, limit_per_month,
			cost_per_request, baseline_accuracy, baseline_freshness_days,
			status, is_global, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (slug) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			capabilities = EXCLUDED.capabilities,
			supported_verticals = EXCLUDED.supported_verticals,
			limit_per_minute = EXCLUDED.limit_per_minute,
			limit_per_day = EXCLUDED.limit_per_day,
			limit_per_month = EXCLUDED.limit_per_month,
			cost_per_request = EXCLUDED.cost_per_request,
			baseline_accuracy = EXCLUDED.baseline_accuracy,
			baseline_freshness_days = EXCLUDED.baseline_freshness_days,
			status = EXCLUDED.status,
			is_global = EXCLUDED.is_global,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		p.Slug,
		p.DisplayName,
		pq.Array(caps),
		pq.Array(p.SupportedVerticals),
		p.RateLimits.PerMinute,
		p.RateLimits.PerDay,
		p.RateLimits.PerMonth,
		p.CostPerRequest,
		p.BaselineAccuracy,
		p.BaselineFreshnessDays,
		p.Status,
		p.IsGlobal,
	)
	if err != nil {
		return &CatalogError{Slug: p.Slug, Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to save provider: %v", err), Cause: err}
	}

	return nil
}

// GetProvider retrieves a provider by slug.
func (s *PostgresStore) GetProvider(ctx context.Context, slug string) (*Provider, error) {
	query := `
		SELECT slug, display_name, capabilities, supported_verticals,
			   limit_per_minute, limit_per_day, limit_per_month,
			   cost_per_request, baseline_accuracy, baseline_freshness_days,
			   status, is_global, created_at, updated_at
		FROM providers
		WHERE slug = $1
	`

	p, err := scanProvider(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &CatalogError{Slug: slug, Code: ErrCatalogNotFound, Message: fmt.Sprintf("provider %q not found", slug)}
		}
		return nil, &CatalogError{Slug: slug, Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to get provider: %v", err), Cause: err}
	}
	return p, nil
}

// ListProviders returns all providers, including disabled ones.
func (s *PostgresStore) ListProviders(ctx context.Context) ([]Provider, error) {
	query := `
		SELECT slug, display_name, capabilities, supported_verticals,
			   limit_per_minute, limit_per_day, limit_per_month,
			   cost_per_request, baseline_accuracy, baseline_freshness_days,
			   status, is_global, created_at, updated_at
		FROM providers
		ORDER BY slug
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to list providers: %v", err), Cause: err}
	}
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to scan provider: %v", err), Cause: err}
		}
		providers = append(providers, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("error iterating providers: %v", err), Cause: err}
	}

	return providers, nil
}

// SetProviderStatus flips a provider between active and disabled.
func (s *PostgresStore) SetProviderStatus(ctx context.Context, slug string, status ProviderStatus) error {
	query := `UPDATE providers SET status = $2, updated_at = NOW() WHERE slug = $1`

	result, err := s.db.ExecContext(ctx, query, slug, status)
	if err != nil {
		return &CatalogError{Slug: slug, Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to update provider status: %v", err), Cause: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return &CatalogError{Slug: slug, Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to check rows affected: %v", err), Cause: err}
	}
	if rowsAffected == 0 {
		return &CatalogError{Slug: slug, Code: ErrCatalogNotFound, Message: fmt.Sprintf("provider %q not found", slug)}
	}

	return nil
}

// SaveConfiguration upserts a tenant-scoped provider configuration.
// The (provider_slug, tenant_id) unique constraint guarantees at most
// one default and one per-tenant row.
func (s *PostgresStore) SaveConfiguration(ctx context.Context, cfg *ProviderConfiguration) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}
	if cfg.ProviderSlug == "" {
		return &CatalogError{Code: ErrCatalogInvalid, Message: "configuration must reference a provider"}
	}

	var limitsJSON []byte
	if cfg.RateLimits != nil {
		var err error
		limitsJSON, err = json.Marshal(cfg.RateLimits)
		if err != nil {
			return fmt.Errorf("failed to marshal rate limits: %w", err)
		}
	}

	query := `
		INSERT INTO provider_configurations (
			provider_slug, tenant_id, credentials, rate_limits, priority, enabled, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (provider_slug, tenant_id) DO UPDATE SET
			credentials = EXCLUDED.credentials,
			rate_limits = EXCLUDED.rate_limits,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		cfg.ProviderSlug,
		cfg.TenantID,
		cfg.Credentials,
		limitsJSON,
		cfg.Priority,
		cfg.Enabled,
	)
	if err != nil {
		return &CatalogError{Slug: cfg.ProviderSlug, Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to save configuration: %v", err), Cause: err}
	}

	return nil
}

// GetConfiguration retrieves the configuration for (provider, tenant),
// preferring the tenant row over the tenant-less default.
func (s *PostgresStore) GetConfiguration(ctx context.Context, providerSlug, tenantID string) (*ProviderConfiguration, error) {
	query := `
		SELECT provider_slug, tenant_id, credentials, rate_limits, priority, enabled, updated_at
		FROM provider_configurations
		WHERE provider_slug = $1 AND tenant_id IN ($2, '')
		ORDER BY tenant_id DESC
		LIMIT 1
	`

	var cfg ProviderConfiguration
	var limitsJSON []byte

	err := s.db.QueryRowContext(ctx, query, providerSlug, tenantID).Scan(
		&cfg.ProviderSlug,
		&cfg.TenantID,
		&cfg.Credentials,
		&limitsJSON,
		&cfg.Priority,
		&cfg.Enabled,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &CatalogError{Slug: providerSlug, Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to get configuration: %v", err), Cause: err}
	}

	if len(limitsJSON) > 0 {
		cfg.RateLimits = &RateLimitDefaults{}
		if err := json.Unmarshal(limitsJSON, cfg.RateLimits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rate limits: %w", err)
		}
	}

	return &cfg, nil
}

// SaveModel upserts a model definition.
func (s *PostgresStore) SaveModel(ctx context.Context, m *Model) error {
	if m == nil {
		return errors.New("model cannot be nil")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO models (
			slug, provider_slug, supports_vision, supports_functions,
			supports_json_mode, cost_per_1k, quality_score, priority,
			is_default, enabled, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (slug) DO UPDATE SET
			provider_slug = EXCLUDED.provider_slug,
			supports_vision = EXCLUDED.supports_vision,
			supports_functions = EXCLUDED.supports_functions,
			supports_json_mode = EXCLUDED.supports_json_mode,
			cost_per_1k = EXCLUDED.cost_per_1k,
			quality_score = EXCLUDED.quality_score,
			priority = EXCLUDED.priority,
			is_default = EXCLUDED.is_default,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		m.Slug,
		m.ProviderSlug,
		m.Capabilities.Vision,
		m.Capabilities.Functions,
		m.Capabilities.JSONMode,
		m.CostPer1K,
		m.QualityScore,
		m.Priority,
		m.IsDefault,
		m.Enabled,
	)
	if err != nil {
		return &CatalogError{Slug: m.Slug, Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to save model: %v", err), Cause: err}
	}

	return nil
}

// ListModels returns all enabled models.
func (s *PostgresStore) ListModels(ctx context.Context) ([]Model, error) {
	query := `
		SELECT slug, provider_slug, supports_vision, supports_functions,
			   supports_json_mode, cost_per_1k, quality_score, priority,
			   is_default, enabled
		FROM models
		WHERE enabled = true
		ORDER BY priority DESC, slug
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to list models: %v", err), Cause: err}
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(
			&m.Slug, &m.ProviderSlug,
			&m.Capabilities.Vision, &m.Capabilities.Functions, &m.Capabilities.JSONMode,
			&m.CostPer1K, &m.QualityScore, &m.Priority, &m.IsDefault, &m.Enabled,
		); err != nil {
			return nil, &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to scan model: %v", err), Cause: err}
		}
		models = append(models, m)
	}

	if err := rows.Err(); err != nil {
		return nil, &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("error iterating models: %v", err), Cause: err}
	}

	return models, nil
}

// GetDefaultModel returns the catalog default model.
func (s *PostgresStore) GetDefaultModel(ctx context.Context) (*Model, error) {
	query := `
		SELECT slug, provider_slug, supports_vision, supports_functions,
			   supports_json_mode, cost_per_1k, quality_score, priority,
			   is_default, enabled
		FROM models
		WHERE is_default = true AND enabled = true
		LIMIT 1
	`

	var m Model
	err := s.db.QueryRowContext(ctx, query).Scan(
		&m.Slug, &m.ProviderSlug,
		&m.Capabilities.Vision, &m.Capabilities.Functions, &m.Capabilities.JSONMode,
		&m.CostPer1K, &m.QualityScore, &m.Priority, &m.IsDefault, &m.Enabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &CatalogError{Code: ErrCatalogNotFound, Message: "no default model configured"}
		}
		return nil, &CatalogError{Code: ErrCatalogStorage, Message: fmt.Sprintf("failed to get default model: %v", err), Cause: err}
	}

	return &m, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row scanner) (*Provider, error) {
	var p Provider
	var displayName sql.NullString
	var caps, verticals pq.StringArray

	err := row.Scan(
		&p.Slug,
		&displayName,
		&caps,
		&verticals,
		&p.RateLimits.PerMinute,
		&p.RateLimits.PerDay,
		&p.RateLimits.PerMonth,
		&p.CostPerRequest,
		&p.BaselineAccuracy,
		&p.BaselineFreshnessDays,
		&p.Status,
		&p.IsGlobal,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.DisplayName = displayName.String
	p.Capabilities = make([]Capability, len(caps))
	for i, c := range caps {
		p.Capabilities[i] = Capability(c)
	}
	p.SupportedVerticals = []string(verticals)

	return &p, nil
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
