// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the LeadRelay orchestrator service.
//
// The orchestrator is the provider-resilience layer of the LeadRelay
// platform. It:
// - Maintains the provider and model catalog with periodic reloads
// - Enforces per-provider rate limits (Redis or Postgres backed)
// - Probes provider health and tracks rolling outcomes
// - Scores provider accuracy per vertical
// - Executes tasks through configurable fallback chains
// - Routes completion requests to the best model by capability and cost
// - Tracks usage, cost, and lead-journey state
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_URL - Redis connection string (optional; enables Redis-backed
//	            rate limiting and response caching)
//	METRICS_PORT - metrics/health listen port (default: 9091)
//	CHAINS_CONFIG - path to fallback chains YAML (optional)
//	ROUTING_CONFIG - path to routing rules YAML (optional)
//	PRICING_CONFIG - path to model pricing YAML (optional)
//	CATALOG_RELOAD_INTERVAL - catalog reload period (default: 5m)
//	HEALTH_SWEEP_INTERVAL - health probe period (default: 1m)
//	JOURNEY_SWEEP_INTERVAL - stale journey sweep period (default: 10m)
//	JOURNEY_MAX_IDLE - idle age before a journey is force-aborted (default: 4h)
package main

import (
	"leadrelay/platform/orchestrator"
)

func main() {
	orchestrator.Run()
}
