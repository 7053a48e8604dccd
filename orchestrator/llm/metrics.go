// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadrelay_llm_completions_total",
			Help: "Completion attempts by model, provider, and outcome.",
		},
		[]string{"model", "provider", "status"},
	)

	completionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadrelay_llm_completion_duration_seconds",
			Help:    "Completion attempt latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model", "provider"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadrelay_llm_cache_lookups_total",
			Help: "Response cache lookups by result.",
		},
		[]string{"result"},
	)

	fallbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadrelay_llm_fallback_depth",
			Help:    "Number of providers attempted per completion.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
)

func init() {
	prometheus.MustRegister(completionsTotal, completionDuration, cacheLookupsTotal, fallbackDepth)
}
