// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"leadrelay/platform/shared/logger"
)

// Service records usage and produces spend summaries.
type Service struct {
	repo    Repository
	pricing *PricingConfig
	logger  *logger.Logger
	now     func() time.Time
}

// NewService creates a cost service. A nil pricing config uses
// DefaultPricing.
func NewService(repo Repository, pricing *PricingConfig) *Service {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Service{
		repo:    repo,
		pricing: pricing,
		logger:  logger.New("cost"),
		now:     time.Now,
	}
}

// RecordUsage appends one attempt to the ledger, pricing it from the
// token counts when the caller did not supply a cost. Cached hits cost
// nothing.
func (s *Service) RecordUsage(ctx context.Context, record *UsageRecord) error {
	if record == nil || record.ModelSlug == "" || record.ProviderSlug == "" {
		return fmt.Errorf("usage record requires model and provider")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	if record.RequestID == "" {
		record.RequestID = uuid.New().String()
	}
	if record.Cached {
		record.CostUSD = 0
	} else if record.CostUSD == 0 {
		record.CostUSD = s.pricing.Cost(record.ProviderSlug, record.ModelSlug, record.TokensIn, record.TokensOut)
	}

	if err := s.repo.InsertUsage(ctx, record); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Summary aggregates the ledger over the filter's range with per-model,
// per-task, per-vertical, and per-provider breakdowns.
func (s *Service) Summary(ctx context.Context, filter SummaryFilter) (*Summary, error) {
	if filter.To.IsZero() {
		filter.To = s.now()
	}
	if filter.From.IsZero() {
		filter.From = filter.To.Add(-30 * 24 * time.Hour)
	}

	records, err := s.repo.QueryUsage(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	summary := &Summary{
		From:       filter.From,
		To:         filter.To,
		ByModel:    make(map[string]Slice),
		ByTaskType: make(map[string]Slice),
		ByVertical: make(map[string]Slice),
		ByProvider: make(map[string]Slice),
	}

	for i := range records {
		rec := &records[i]
		tokens := int64(rec.TokensIn + rec.TokensOut)

		summary.TotalRequests++
		summary.TotalTokensIn += int64(rec.TokensIn)
		summary.TotalTokensOut += int64(rec.TokensOut)
		summary.TotalCostUSD += rec.CostUSD
		if rec.Cached {
			summary.CacheHits++
		}
		if rec.WasFallback {
			summary.FallbackCount++
		}

		addSlice(summary.ByModel, rec.ModelSlug, tokens, rec.CostUSD)
		addSlice(summary.ByProvider, rec.ProviderSlug, tokens, rec.CostUSD)
		if rec.TaskType != "" {
			addSlice(summary.ByTaskType, rec.TaskType, tokens, rec.CostUSD)
		}
		if rec.Vertical != "" {
			addSlice(summary.ByVertical, rec.Vertical, tokens, rec.CostUSD)
		}
	}
	return summary, nil
}

func addSlice(m map[string]Slice, key string, tokens int64, cost float64) {
	s := m[key]
	s.Requests++
	s.Tokens += tokens
	s.CostUSD += cost
	m[key] = s
}
