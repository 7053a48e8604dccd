// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package health tracks provider availability from an append-only log
// of check results. Status is always recomputed from the rolling
// window, never stored as the source of truth, so a provider that
// recovers is reported healthy as soon as its recent history says so.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leadrelay/platform/shared/logger"
)

// Status is the derived availability of a provider.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Success-rate thresholds over the rolling window.
const (
	healthyThreshold  = 0.99
	degradedThreshold = 0.90
)

// DefaultWindow is the rolling window over which success rate is
// computed.
const DefaultWindow = 24 * time.Hour

// CheckResult is one entry in the append-only check log.
type CheckResult struct {
	ProviderSlug string    `json:"provider_slug"`
	CheckedAt    time.Time `json:"checked_at"`
	Success      bool      `json:"success"`
	LatencyMs    int64     `json:"latency_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ProviderHealth is the derived view callers consume.
type ProviderHealth struct {
	ProviderSlug        string    `json:"provider_slug"`
	Status              Status    `json:"status"`
	SuccessRate         float64   `json:"success_rate"`
	AvgResponseMs       float64   `json:"avg_response_ms"`
	ChecksInWindow      int       `json:"checks_in_window"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// WindowStats are the raw aggregates backing a derived health view.
type WindowStats struct {
	Total        int
	Successes    int
	AvgLatencyMs float64
}

// Snapshot is the per-provider row the store keeps alongside the log:
// counters that cannot be derived from a bounded window scan.
type Snapshot struct {
	ProviderSlug        string
	ConsecutiveFailures int
	LastChecked         time.Time
	LastSuccess         time.Time
}

// Store persists check results. RecordCheck must atomically append the
// log entry and maintain the snapshot (consecutive failures reset on
// success) so concurrent checkers never observe a torn update.
type Store interface {
	RecordCheck(ctx context.Context, result *CheckResult) error
	GetSnapshot(ctx context.Context, providerSlug string) (*Snapshot, error)
	WindowStats(ctx context.Context, providerSlug string, since time.Time) (*WindowStats, error)
	ListProviders(ctx context.Context) ([]string, error)
}

// DeriveStatus maps a rolling-window success rate onto a status.
// Providers with no history are unknown, not unhealthy: a brand-new
// provider has done nothing wrong yet.
func DeriveStatus(stats *WindowStats) (Status, float64) {
	if stats == nil || stats.Total == 0 {
		return StatusUnknown, 0
	}
	rate := float64(stats.Successes) / float64(stats.Total)
	switch {
	case rate >= healthyThreshold:
		return StatusHealthy, rate
	case rate >= degradedThreshold:
		return StatusDegraded, rate
	default:
		return StatusUnhealthy, rate
	}
}

// Prober is anything that can be actively health-checked. Provider
// adapters implement this.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

// Monitor records check outcomes and answers health queries.
type Monitor struct {
	store  Store
	window time.Duration
	logger *logger.Logger
	now    func() time.Time

	probeTimeout time.Duration
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithWindow overrides the rolling window used for success rates.
func WithWindow(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.window = d }
}

// WithProbeTimeout bounds each active health probe in CheckAll.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.probeTimeout = d }
}

// NewMonitor creates a health monitor over the given store.
func NewMonitor(store Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:        store,
		window:       DefaultWindow,
		logger:       logger.New("health"),
		now:          time.Now,
		probeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordCheck appends one check outcome. Passive outcomes (observed
// during real requests) and active probe outcomes go through the same
// path.
func (m *Monitor) RecordCheck(ctx context.Context, result *CheckResult) error {
	if result == nil || result.ProviderSlug == "" {
		return fmt.Errorf("check result requires a provider slug")
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = m.now()
	}

	if err := m.store.RecordCheck(ctx, result); err != nil {
		return fmt.Errorf("failed to record health check for %q: %w", result.ProviderSlug, err)
	}

	if !result.Success {
		m.logger.Warn("", "", "Provider health check failed", map[string]interface{}{
			"provider": result.ProviderSlug,
			"error":    result.ErrorMessage,
		})
	}
	return nil
}

// Health returns the derived health of one provider.
func (m *Monitor) Health(ctx context.Context, providerSlug string) (*ProviderHealth, error) {
	stats, err := m.store.WindowStats(ctx, providerSlug, m.now().Add(-m.window))
	if err != nil {
		return nil, fmt.Errorf("failed to read health window for %q: %w", providerSlug, err)
	}

	status, rate := DeriveStatus(stats)
	h := &ProviderHealth{
		ProviderSlug:   providerSlug,
		Status:         status,
		SuccessRate:    rate,
		ChecksInWindow: statsTotal(stats),
	}
	if stats != nil {
		h.AvgResponseMs = stats.AvgLatencyMs
	}

	snap, err := m.store.GetSnapshot(ctx, providerSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to read health snapshot for %q: %w", providerSlug, err)
	}
	if snap != nil {
		h.ConsecutiveFailures = snap.ConsecutiveFailures
		h.LastChecked = snap.LastChecked
		h.LastSuccess = snap.LastSuccess
	}
	return h, nil
}

// Status is a convenience wrapper when only the derived status matters.
func (m *Monitor) Status(ctx context.Context, providerSlug string) (Status, error) {
	h, err := m.Health(ctx, providerSlug)
	if err != nil {
		return StatusUnknown, err
	}
	return h.Status, nil
}

// HealthAll returns derived health for every provider with history.
func (m *Monitor) HealthAll(ctx context.Context) ([]*ProviderHealth, error) {
	slugs, err := m.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored providers: %w", err)
	}

	out := make([]*ProviderHealth, 0, len(slugs))
	for _, slug := range slugs {
		h, err := m.Health(ctx, slug)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// CheckAll actively probes every given adapter concurrently and records
// the outcomes. Probe failures are recorded, not returned: one dead
// provider must not stop the sweep.
func (m *Monitor) CheckAll(ctx context.Context, probers map[string]Prober) {
	var wg sync.WaitGroup
	for slug, prober := range probers {
		wg.Add(1)
		go func(slug string, prober Prober) {
			defer wg.Done()
			m.probe(ctx, slug, prober)
		}(slug, prober)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, slug string, prober Prober) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := m.now()
	err := prober.HealthCheck(probeCtx)
	result := &CheckResult{
		ProviderSlug: slug,
		CheckedAt:    start,
		Success:      err == nil,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.ErrorMessage = err.Error()
	}

	if recErr := m.RecordCheck(ctx, result); recErr != nil {
		m.logger.ErrorWithErr("", "", "Failed to persist health probe", recErr, map[string]interface{}{
			"provider": slug,
		})
	}
}

// StartSweep probes all adapters on the given interval until ctx is
// cancelled.
func (m *Monitor) StartSweep(ctx context.Context, interval time.Duration, probers map[string]Prober) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx, probers)
			}
		}
	}()
}

func statsTotal(stats *WindowStats) int {
	if stats == nil {
		return 0
	}
	return stats.Total
}
