// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package cost tracks model usage and spend. Every completion attempt
// lands in an append-only usage ledger regardless of outcome, and
// summaries aggregate the ledger by model, task, vertical, and
// provider.
package cost

import (
	"time"
)

// UsageStatus classifies the outcome of the recorded attempt.
type UsageStatus string

const (
	UsageStatusSuccess     UsageStatus = "success"
	UsageStatusError       UsageStatus = "error"
	UsageStatusTimeout     UsageStatus = "timeout"
	UsageStatusRateLimited UsageStatus = "rate_limited"
)

// UsageRecord is one entry in the append-only usage ledger.
type UsageRecord struct {
	ID           int64       `json:"id,omitempty"`
	RequestID    string      `json:"request_id,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	TenantID     string      `json:"tenant_id,omitempty"`
	ModelSlug    string      `json:"model_slug"`
	ProviderSlug string      `json:"provider_slug"`
	TaskType     string      `json:"task_type,omitempty"`
	Vertical     string      `json:"vertical,omitempty"`
	TokensIn     int         `json:"tokens_in"`
	TokensOut    int         `json:"tokens_out"`
	LatencyMs    int64       `json:"latency_ms"`
	Status       UsageStatus `json:"status"`
	WasFallback  bool        `json:"was_fallback"`
	Cached       bool        `json:"cached"`
	CostUSD      float64     `json:"cost_usd"`
}

// Summary aggregates the ledger over a time range.
type Summary struct {
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	TotalRequests  int64            `json:"total_requests"`
	TotalTokensIn  int64            `json:"total_tokens_in"`
	TotalTokensOut int64            `json:"total_tokens_out"`
	TotalCostUSD   float64          `json:"total_cost_usd"`
	CacheHits      int64            `json:"cache_hits"`
	FallbackCount  int64            `json:"fallback_count"`
	ByModel        map[string]Slice `json:"by_model,omitempty"`
	ByTaskType     map[string]Slice `json:"by_task_type,omitempty"`
	ByVertical     map[string]Slice `json:"by_vertical,omitempty"`
	ByProvider     map[string]Slice `json:"by_provider,omitempty"`
}

// Slice is one bucket of a summary breakdown.
type Slice struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// SummaryFilter narrows a summary query.
type SummaryFilter struct {
	From     time.Time
	To       time.Time
	TenantID string
	Vertical string
}
