// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package fallback runs a caller-supplied invocation across an ordered
// provider chain with per-step timeouts, retries, and merge policies.
// Chains come from validated YAML configuration or are ranked
// dynamically from the catalog when nothing is configured.
package fallback

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Default per-step execution bounds, applied when a step leaves them
// unset.
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxRetries  = 0
)

// Step is one entry in a fallback chain.
type Step struct {
	// Slug names the provider (or model) this step invokes.
	Slug string `yaml:"slug"`

	// TimeoutMs bounds the invocation; zero means DefaultStepTimeout.
	TimeoutMs int `yaml:"timeout_ms"`

	// MaxRetries is the number of in-step retries after the first
	// attempt fails with a transient error.
	MaxRetries int `yaml:"max_retries"`

	// Required aborts the entire chain if this step fails.
	Required bool `yaml:"required"`

	// FallbackOnly skips this step while an earlier step has already
	// succeeded; it only runs when everything before it failed.
	FallbackOnly bool `yaml:"fallback_only"`
}

// StepTimeout returns the configured timeout as a time.Duration,
// falling back to DefaultStepTimeout when unset.
func (s *Step) StepTimeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Chain is an ordered provider sequence for one task shape. The most
// specific chain wins: (task, vertical, tenant) beats (task, vertical)
// beats (task).
type Chain struct {
	Name     string `yaml:"name"`
	TaskType string `yaml:"task_type"`
	Vertical string `yaml:"vertical"`
	TenantID string `yaml:"tenant_id"`

	// MergeResults accumulates every successful step's output instead
	// of stopping at the first success. Merge chains never fail fast.
	MergeResults bool `yaml:"merge_results"`

	Steps []Step `yaml:"steps"`
}

// Validate rejects malformed chains. Configuration problems surface
// here, at load time, not as silent no-op routing at request time.
func (c *Chain) Validate() error {
	if c.TaskType == "" {
		return fmt.Errorf("chain %q: task_type is required", c.Name)
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain %q: at least one step is required", c.Name)
	}
	for i, step := range c.Steps {
		if step.Slug == "" {
			return fmt.Errorf("chain %q: step %d has no slug", c.Name, i)
		}
		if step.TimeoutMs < 0 {
			return fmt.Errorf("chain %q: step %q has negative timeout_ms", c.Name, step.Slug)
		}
		if step.MaxRetries < 0 {
			return fmt.Errorf("chain %q: step %q has negative max_retries", c.Name, step.Slug)
		}
		if i == 0 && step.FallbackOnly {
			return fmt.Errorf("chain %q: first step %q cannot be fallback_only", c.Name, step.Slug)
		}
	}
	return nil
}

// specificity orders chains for resolution; higher wins.
func (c *Chain) specificity() int {
	score := 0
	if c.Vertical != "" {
		score += 1
	}
	if c.TenantID != "" {
		score += 2
	}
	return score
}

// matches reports whether the chain applies to the request key. Empty
// chain fields are wildcards.
func (c *Chain) matches(taskType, vertical, tenantID string) bool {
	if c.TaskType != taskType {
		return false
	}
	if c.Vertical != "" && c.Vertical != vertical {
		return false
	}
	if c.TenantID != "" && c.TenantID != tenantID {
		return false
	}
	return true
}

// ChainSet holds every configured chain, indexed for resolution.
type ChainSet struct {
	chains []Chain
}

// chainsFile is the YAML document shape.
type chainsFile struct {
	APIVersion string  `yaml:"apiVersion"`
	Kind       string  `yaml:"kind"`
	Chains     []Chain `yaml:"chains"`
}

// LoadChains reads and validates a chain configuration file. Any
// invalid chain fails the whole load.
func LoadChains(path string) (*ChainSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain config %q: %w", path, err)
	}
	return ParseChains(data)
}

// ParseChains validates a raw YAML chain document.
func ParseChains(data []byte) (*ChainSet, error) {
	var file chainsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chain config: %w", err)
	}
	if file.Kind != "" && file.Kind != "FallbackChains" {
		return nil, fmt.Errorf("unexpected config kind %q, want FallbackChains", file.Kind)
	}

	seen := make(map[string]bool)
	for i := range file.Chains {
		c := &file.Chains[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		key := c.TaskType + "|" + c.Vertical + "|" + c.TenantID
		if seen[key] {
			return nil, fmt.Errorf("duplicate chain for task %q vertical %q tenant %q", c.TaskType, c.Vertical, c.TenantID)
		}
		seen[key] = true
	}

	return &ChainSet{chains: file.Chains}, nil
}

// NewChainSet builds a ChainSet from already-constructed chains,
// applying the same validation as ParseChains.
func NewChainSet(chains ...Chain) (*ChainSet, error) {
	for i := range chains {
		if err := chains[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &ChainSet{chains: chains}, nil
}

// Resolve returns the most specific chain matching the request key,
// or nil when none is configured.
func (s *ChainSet) Resolve(taskType, vertical, tenantID string) *Chain {
	if s == nil {
		return nil
	}

	var candidates []*Chain
	for i := range s.chains {
		if s.chains[i].matches(taskType, vertical, tenantID) {
			candidates = append(candidates, &s.chains[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].specificity() > candidates[j].specificity()
	})

	copied := *candidates[0]
	copied.Steps = append([]Step(nil), candidates[0].Steps...)
	return &copied
}

// Len reports the number of configured chains.
func (s *ChainSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.chains)
}
