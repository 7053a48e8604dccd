// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires the LeadRelay provider-resilience layer into
// a runnable service.
//
// The layer is built from eight subsystems, each its own package:
//
//   - catalog: provider and model registry, reloaded from Postgres
//   - ratelimit: sliding-window admission per provider (Redis or Postgres)
//   - health: provider probing and rolling outcome tracking
//   - accuracy: per-vertical provider scoring from outcome feedback
//   - fallback: ordered execution chains with skip/abort semantics
//   - cost: usage ledger and model pricing
//   - llm: model routing, adapters, response cache, and the
//     completion service that drives the fallback protocol
//   - journey: lead-journey state machine with checkpoints and resume
//
// Run ties them together: it loads configuration from the environment,
// opens the stores, starts the background sweeps, and serves metrics
// until the process is signalled.
package orchestrator
