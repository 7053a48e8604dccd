// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package cost

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPricing contains pricing per 1K tokens for a model.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"inputPer1K"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"outputPer1K"`
}

// PricingConfig holds pricing for all providers and models. The "*"
// model key is the per-provider fallback for unknown models.
type PricingConfig struct {
	Providers map[string]map[string]ModelPricing `json:"providers" yaml:"providers"`
	mu        sync.RWMutex
}

// DefaultPricing contains pricing for the models the router commonly
// selects, per 1K tokens in USD.
var DefaultPricing = &PricingConfig{
	Providers: map[string]map[string]ModelPricing{
		"anthropic": {
			"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"*":                 {InputPer1K: 0.003, OutputPer1K: 0.015},
		},
		"openai": {
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			"*":             {InputPer1K: 0.01, OutputPer1K: 0.03},
		},
		"google": {
			"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
			"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
			"*":                {InputPer1K: 0.001, OutputPer1K: 0.004},
		},
	},
}

// pricingFile is the YAML document shape.
type pricingFile struct {
	APIVersion string                             `yaml:"apiVersion"`
	Kind       string                             `yaml:"kind"`
	Providers  map[string]map[string]ModelPricing `yaml:"providers"`
}

// LoadPricingFromFile reads and validates a pricing configuration file.
// Any invalid rate fails the whole load.
func LoadPricingFromFile(path string) (*PricingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config %q: %w", path, err)
	}
	return ParsePricing(data)
}

// ParsePricing validates a raw YAML pricing document.
func ParsePricing(data []byte) (*PricingConfig, error) {
	var file pricingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}
	if file.Kind != "" && file.Kind != "ModelPricing" {
		return nil, fmt.Errorf("unexpected config kind %q, want ModelPricing", file.Kind)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("pricing config declares no providers")
	}

	for provider, models := range file.Providers {
		if provider == "" {
			return nil, fmt.Errorf("pricing config has an empty provider key")
		}
		for model, pricing := range models {
			if model == "" {
				return nil, fmt.Errorf("provider %q has an empty model key", provider)
			}
			if pricing.InputPer1K < 0 || pricing.OutputPer1K < 0 {
				return nil, fmt.Errorf("negative rate for %s/%s", provider, model)
			}
		}
	}

	return &PricingConfig{Providers: file.Providers}, nil
}

// Lookup returns pricing for (provider, model), falling back to the
// provider's "*" entry, then to a zero price for unknown providers.
func (c *PricingConfig) Lookup(provider, model string) ModelPricing {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models, ok := c.Providers[provider]
	if !ok {
		return ModelPricing{}
	}
	if pricing, ok := models[model]; ok {
		return pricing
	}
	return models["*"]
}

// Set installs or replaces pricing for (provider, model).
func (c *PricingConfig) Set(provider, model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Providers == nil {
		c.Providers = make(map[string]map[string]ModelPricing)
	}
	if c.Providers[provider] == nil {
		c.Providers[provider] = make(map[string]ModelPricing)
	}
	c.Providers[provider][model] = pricing
}

// Cost computes the USD cost of one attempt.
func (c *PricingConfig) Cost(provider, model string, tokensIn, tokensOut int) float64 {
	pricing := c.Lookup(provider, model)
	return float64(tokensIn)/1000*pricing.InputPer1K + float64(tokensOut)/1000*pricing.OutputPer1K
}
