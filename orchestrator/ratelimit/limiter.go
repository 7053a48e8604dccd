// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit enforces per-provider, per-tenant admission limits
// over minute, day, and month windows. Windows are keyed by truncated
// timestamp so they self-reset without a cleanup job, and every counter
// update is an atomic insert-or-increment at the store so concurrent
// processes never lose updates.
//
// Being over a limit is a routing signal, not an error: callers skip
// the provider and move on. The limiter never retries.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"leadrelay/platform/orchestrator/catalog"
	"leadrelay/platform/shared/logger"
)

// WindowType identifies one admission window granularity.
type WindowType string

const (
	WindowMinute WindowType = "minute"
	WindowDay    WindowType = "day"
	WindowMonth  WindowType = "month"
)

// AllWindowTypes lists every window granularity in checking order.
var AllWindowTypes = []WindowType{WindowMinute, WindowDay, WindowMonth}

// Truncate returns the window start containing t for this granularity.
// All windows are computed in UTC.
func (w WindowType) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowMinute:
		return t.Truncate(time.Minute)
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}

// TTL returns how long a window's counters must survive: the window
// length plus slack for clock skew between processes.
func (w WindowType) TTL() time.Duration {
	switch w {
	case WindowMinute:
		return 2 * time.Minute
	case WindowDay:
		return 26 * time.Hour
	case WindowMonth:
		return 32 * 24 * time.Hour
	default:
		return 2 * time.Minute
	}
}

// Window is one admission counter row.
type Window struct {
	ProviderSlug string     `json:"provider_slug"`
	TenantID     string     `json:"tenant_id,omitempty"`
	Type         WindowType `json:"window_type"`
	WindowStart  time.Time  `json:"window_start"`
	RequestCount int        `json:"request_count"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
	LimitValue   int        `json:"limit_value"`
}

// Exceeded reports whether the window is at or over its limit.
// A zero limit means unlimited.
func (w *Window) Exceeded() bool {
	return w.LimitValue > 0 && w.RequestCount >= w.LimitValue
}

// Key identifies one window row.
type Key struct {
	ProviderSlug string
	TenantID     string
	Type         WindowType
	WindowStart  time.Time
}

// Store is the persistent counter backend. Implementations must make
// IncrementWindow atomic under concurrent writers (insert-or-increment
// at the store, never read-modify-write in application memory).
type Store interface {
	// IncrementWindow atomically creates-or-increments the window row,
	// bumping the success or error counter according to success and
	// stamping the current limit for observability.
	IncrementWindow(ctx context.Context, key Key, success bool, limit int) error

	// GetWindow returns the current counters for a window, or a zero
	// Window when no requests have been counted yet.
	GetWindow(ctx context.Context, key Key) (*Window, error)
}

// LimitSource resolves the effective limits for a provider and tenant.
type LimitSource interface {
	Limits(ctx context.Context, providerSlug, tenantID string) (catalog.RateLimitDefaults, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Limited is true when any window is at or over its limit.
	Limited bool `json:"limited"`

	// Windows holds the counters consulted, for diagnostics.
	Windows []Window `json:"windows,omitempty"`
}

// Limiter checks and records admission against the shared store.
type Limiter struct {
	store  Store
	limits LimitSource
	logger *logger.Logger
	now    func() time.Time
}

// NewLimiter creates a rate limiter over the given store and limits.
func NewLimiter(store Store, limits LimitSource) *Limiter {
	return &Limiter{
		store:  store,
		limits: limits,
		logger: logger.New("ratelimit"),
		now:    time.Now,
	}
}

// Check performs the admission check for (provider, tenant). It reads
// the current windows and never increments anything: a correctly
// behaving caller only calls RecordRequest after a positive decision.
func (l *Limiter) Check(ctx context.Context, providerSlug, tenantID string) (*Decision, error) {
	limits, err := l.limits.Limits(ctx, providerSlug, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve limits for %q: %w", providerSlug, err)
	}

	now := l.now()
	decision := &Decision{}

	for _, wt := range AllWindowTypes {
		limit := limitFor(limits, wt)
		if limit <= 0 {
			continue
		}

		key := Key{ProviderSlug: providerSlug, TenantID: tenantID, Type: wt, WindowStart: wt.Truncate(now)}
		w, err := l.store.GetWindow(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s window for %q: %w", wt, providerSlug, err)
		}
		w.LimitValue = limit
		decision.Windows = append(decision.Windows, *w)

		if w.Exceeded() {
			decision.Limited = true
		}
	}

	if decision.Limited {
		l.logger.Debug(tenantID, "", "Provider rate limited", map[string]interface{}{
			"provider": providerSlug,
		})
	}

	return decision, nil
}

// RecordRequest counts one admitted request against every window.
func (l *Limiter) RecordRequest(ctx context.Context, providerSlug string, success bool, tenantID string) error {
	limits, err := l.limits.Limits(ctx, providerSlug, tenantID)
	if err != nil {
		return fmt.Errorf("failed to resolve limits for %q: %w", providerSlug, err)
	}

	now := l.now()
	for _, wt := range AllWindowTypes {
		key := Key{ProviderSlug: providerSlug, TenantID: tenantID, Type: wt, WindowStart: wt.Truncate(now)}
		if err := l.store.IncrementWindow(ctx, key, success, limitFor(limits, wt)); err != nil {
			return fmt.Errorf("failed to increment %s window for %q: %w", wt, providerSlug, err)
		}
	}

	return nil
}

func limitFor(limits catalog.RateLimitDefaults, wt WindowType) int {
	switch wt {
	case WindowMinute:
		return limits.PerMinute
	case WindowDay:
		return limits.PerDay
	case WindowMonth:
		return limits.PerMonth
	default:
		return 0
	}
}

// CatalogSource resolves limits from the catalog registry, applying
// tenant configuration overrides when a configuration store is set.
type CatalogSource struct {
	Registry *catalog.Registry
	Configs  ConfigGetter
}

// ConfigGetter is the subset of catalog.Store the limiter needs.
type ConfigGetter interface {
	GetConfiguration(ctx context.Context, providerSlug, tenantID string) (*catalog.ProviderConfiguration, error)
}

// Limits implements LimitSource.
func (c *CatalogSource) Limits(ctx context.Context, providerSlug, tenantID string) (catalog.RateLimitDefaults, error) {
	p, err := c.Registry.Provider(providerSlug)
	if err != nil {
		return catalog.RateLimitDefaults{}, err
	}

	var cfg *catalog.ProviderConfiguration
	if c.Configs != nil {
		cfg, err = c.Configs.GetConfiguration(ctx, providerSlug, tenantID)
		if err != nil {
			return catalog.RateLimitDefaults{}, err
		}
	}

	return catalog.EffectiveLimits(p, cfg), nil
}

// StaticSource returns fixed limits for every provider; used in tests
// and single-tenant deployments.
type StaticSource struct {
	Defaults catalog.RateLimitDefaults
}

// Limits implements LimitSource.
func (s *StaticSource) Limits(ctx context.Context, providerSlug, tenantID string) (catalog.RateLimitDefaults, error) {
	return s.Defaults, nil
}
