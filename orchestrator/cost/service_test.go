// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package cost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepository is an in-memory Repository for service tests.
type memRepository struct {
	mu      sync.Mutex
	records []UsageRecord
}

func (m *memRepository) InsertUsage(ctx context.Context, record *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.records) + 1)
	m.records = append(m.records, *record)
	return nil
}

func (m *memRepository) QueryUsage(ctx context.Context, filter SummaryFilter) ([]UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []UsageRecord
	for _, rec := range m.records {
		if rec.Timestamp.Before(filter.From) || !rec.Timestamp.Before(filter.To) {
			continue
		}
		if filter.TenantID != "" && rec.TenantID != filter.TenantID {
			continue
		}
		if filter.Vertical != "" && rec.Vertical != filter.Vertical {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestPricingLookup(t *testing.T) {
	tests := []struct {
		name            string
		provider, model string
		wantInput       float64
	}{
		{"known model", "anthropic", "claude-3-5-sonnet", 0.003},
		{"unknown model falls back to wildcard", "openai", "gpt-99", 0.01},
		{"unknown provider is free", "acme-llm", "whatever", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pricing := DefaultPricing.Lookup(tt.provider, tt.model)
			assert.InDelta(t, tt.wantInput, pricing.InputPer1K, 1e-9)
		})
	}
}

func TestParsePricing(t *testing.T) {
	doc := []byte(`
apiVersion: v1
kind: ModelPricing
providers:
  anthropic:
    claude-3-5-sonnet:
      inputPer1K: 0.003
      outputPer1K: 0.015
    "*":
      inputPer1K: 0.003
      outputPer1K: 0.015
  openai:
    gpt-4o:
      inputPer1K: 0.0025
      outputPer1K: 0.01
`)

	cfg, err := ParsePricing(doc)
	require.NoError(t, err)
	assert.InDelta(t, 0.015, cfg.Lookup("anthropic", "claude-3-5-sonnet").OutputPer1K, 1e-9)
	assert.InDelta(t, 0.003, cfg.Lookup("anthropic", "claude-4-unpriced").InputPer1K, 1e-9)
}

func TestParsePricingRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"wrong kind", `
kind: FallbackChains
providers:
  openai:
    gpt-4o: {inputPer1K: 0.0025, outputPer1K: 0.01}`},
		{"no providers", `
kind: ModelPricing
providers: {}`},
		{"negative rate", `
providers:
  openai:
    gpt-4o: {inputPer1K: -1, outputPer1K: 0.01}`},
		{"not yaml", `{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePricing([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestPricingCost(t *testing.T) {
	// 2000 in * 0.003/1k + 1000 out * 0.015/1k
	cost := DefaultPricing.Cost("anthropic", "claude-3-5-sonnet", 2000, 1000)
	assert.InDelta(t, 0.021, cost, 1e-9)
}

func TestServiceRecordUsagePricesAttempt(t *testing.T) {
	repo := &memRepository{}
	service := NewService(repo, nil)

	record := &UsageRecord{
		ModelSlug:    "gpt-4o",
		ProviderSlug: "openai",
		TaskType:     "outreach_generation",
		TokensIn:     1000,
		TokensOut:    2000,
		Status:       UsageStatusSuccess,
	}
	require.NoError(t, service.RecordUsage(context.Background(), record))

	require.Len(t, repo.records, 1)
	saved := repo.records[0]
	assert.InDelta(t, 0.0225, saved.CostUSD, 1e-9) // 1k*0.0025 + 2k*0.01
	assert.NotEmpty(t, saved.RequestID)
	assert.False(t, saved.Timestamp.IsZero())
}

func TestServiceRecordUsageCachedIsFree(t *testing.T) {
	repo := &memRepository{}
	service := NewService(repo, nil)

	record := &UsageRecord{
		ModelSlug:    "gpt-4o",
		ProviderSlug: "openai",
		TokensIn:     5000,
		TokensOut:    5000,
		Cached:       true,
		Status:       UsageStatusSuccess,
	}
	require.NoError(t, service.RecordUsage(context.Background(), record))
	assert.Zero(t, repo.records[0].CostUSD)
}

func TestServiceRecordUsageRejectsIncomplete(t *testing.T) {
	service := NewService(&memRepository{}, nil)
	assert.Error(t, service.RecordUsage(context.Background(), nil))
	assert.Error(t, service.RecordUsage(context.Background(), &UsageRecord{ModelSlug: "gpt-4o"}))
}

func TestServiceSummary(t *testing.T) {
	repo := &memRepository{}
	service := NewService(repo, nil)
	ctx := context.Background()

	base := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return base }

	records := []*UsageRecord{
		{ModelSlug: "gpt-4o", ProviderSlug: "openai", TaskType: "outreach_generation",
			Vertical: "saas", TokensIn: 1000, TokensOut: 1000, Status: UsageStatusSuccess},
		{ModelSlug: "claude-3-5-sonnet", ProviderSlug: "anthropic", TaskType: "outreach_generation",
			Vertical: "banking", TokensIn: 2000, TokensOut: 500, Status: UsageStatusSuccess, WasFallback: true},
		{ModelSlug: "gpt-4o", ProviderSlug: "openai", TaskType: "intent_classification",
			Vertical: "saas", TokensIn: 300, TokensOut: 50, Status: UsageStatusError},
		{ModelSlug: "gpt-4o", ProviderSlug: "openai", TaskType: "outreach_generation",
			Vertical: "saas", TokensIn: 1000, TokensOut: 1000, Cached: true, Status: UsageStatusSuccess},
	}
	for _, rec := range records {
		rec.Timestamp = base.Add(-time.Hour)
		require.NoError(t, service.RecordUsage(ctx, rec))
	}

	summary, err := service.Summary(ctx, SummaryFilter{})
	require.NoError(t, err)

	assert.Equal(t, int64(4), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.CacheHits)
	assert.Equal(t, int64(1), summary.FallbackCount)
	assert.Equal(t, int64(3), summary.ByModel["gpt-4o"].Requests)
	assert.Equal(t, int64(1), summary.ByProvider["anthropic"].Requests)
	assert.Equal(t, int64(3), summary.ByVertical["saas"].Requests)
	assert.Equal(t, int64(3), summary.ByTaskType["outreach_generation"].Requests)

	// The cached attempt contributes requests but no cost.
	expectedCost := DefaultPricing.Cost("openai", "gpt-4o", 1000, 1000) +
		DefaultPricing.Cost("anthropic", "claude-3-5-sonnet", 2000, 500) +
		DefaultPricing.Cost("openai", "gpt-4o", 300, 50)
	assert.InDelta(t, expectedCost, summary.TotalCostUSD, 1e-9)
}

func TestServiceSummaryVerticalFilter(t *testing.T) {
	repo := &memRepository{}
	service := NewService(repo, nil)
	ctx := context.Background()

	base := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return base }

	for _, vertical := range []string{"saas", "banking", "saas"} {
		require.NoError(t, service.RecordUsage(ctx, &UsageRecord{
			ModelSlug: "gpt-4o", ProviderSlug: "openai", Vertical: vertical,
			Timestamp: base.Add(-time.Hour), Status: UsageStatusSuccess,
		}))
	}

	summary, err := service.Summary(ctx, SummaryFilter{Vertical: "saas"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalRequests)
}
