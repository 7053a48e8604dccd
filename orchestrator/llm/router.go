// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"leadrelay/platform/orchestrator/catalog"
	"leadrelay/platform/shared/logger"
)

// Selection reasons, in resolution order.
const (
	ReasonRule               = "routing_rule"
	ReasonVerticalPreference = "vertical_preference"
	ReasonCapabilityScore    = "capability_score"
	ReasonCapabilityEscalate = "capability_escalation"
	ReasonCatalogDefault     = "catalog_default"
)

// Selection is the outcome of model routing.
type Selection struct {
	// Model is the chosen catalog model.
	Model catalog.Model `json:"model"`

	// Reason says which resolution stage picked it; RuleName is set
	// when Reason is ReasonRule.
	Reason   string `json:"reason"`
	RuleName string `json:"rule_name,omitempty"`
}

// RouterError reports a routing failure.
type RouterError struct {
	Code    string
	Message string
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrNoModelAvailable is the code for a routing dead end: no rule,
// preference, scored candidate, or default could satisfy the request.
const ErrNoModelAvailable = "NO_MODEL_AVAILABLE"

// SelectRequest describes one routing decision.
type SelectRequest struct {
	TaskType string `json:"task_type"`

	catalog.ModelRequirements

	// Complexity is a caller-estimated bucket ("low", "medium",
	// "high") that routing rules can match on.
	Complexity string `json:"complexity,omitempty"`

	// EstimatedTokens is the caller's size estimate for token-count
	// rule predicates.
	EstimatedTokens int `json:"estimated_tokens,omitempty"`

	// BudgetRemainingUSD feeds budget rule predicates; zero means
	// unknown and matches nothing budget-gated.
	BudgetRemainingUSD float64 `json:"budget_remaining_usd,omitempty"`
}

// HourRange matches hours of the day in UTC; From > To wraps past
// midnight (e.g. 20..6).
type HourRange struct {
	From int `yaml:"from" json:"from"`
	To   int `yaml:"to" json:"to"`
}

func (h *HourRange) contains(hour int) bool {
	if h.From <= h.To {
		return hour >= h.From && hour < h.To
	}
	return hour >= h.From || hour < h.To
}

// RuleMatch is the predicate block of a routing rule. Empty fields
// match everything.
type RuleMatch struct {
	Vertical        string     `yaml:"vertical" json:"vertical,omitempty"`
	TaskType        string     `yaml:"task_type" json:"task_type,omitempty"`
	Complexity      string     `yaml:"complexity" json:"complexity,omitempty"`
	MaxTokensBelow  int        `yaml:"max_tokens_below" json:"max_tokens_below,omitempty"`
	BudgetBelowUSD  float64    `yaml:"budget_below_usd" json:"budget_below_usd,omitempty"`
	Hours           *HourRange `yaml:"hours" json:"hours,omitempty"`
}

// RoutingRule pins a request shape to a specific model. Rules are the
// first routing stage and are evaluated highest priority first.
type RoutingRule struct {
	Name     string    `yaml:"name" json:"name"`
	Priority int       `yaml:"priority" json:"priority"`
	Model    string    `yaml:"model" json:"model"`
	Match    RuleMatch `yaml:"match" json:"match"`
}

// Validate rejects malformed rules at load time.
func (r *RoutingRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("routing rule requires a name")
	}
	if r.Model == "" {
		return fmt.Errorf("routing rule %q requires a model", r.Name)
	}
	if h := r.Match.Hours; h != nil {
		if h.From < 0 || h.From > 23 || h.To < 0 || h.To > 24 {
			return fmt.Errorf("routing rule %q has hours outside 0..23", r.Name)
		}
	}
	if r.Match.MaxTokensBelow < 0 {
		return fmt.Errorf("routing rule %q has negative max_tokens_below", r.Name)
	}
	return nil
}

func (r *RoutingRule) matches(req SelectRequest, now time.Time) bool {
	m := &r.Match
	if m.Vertical != "" && m.Vertical != req.Vertical {
		return false
	}
	if m.TaskType != "" && m.TaskType != req.TaskType {
		return false
	}
	if m.Complexity != "" && m.Complexity != req.Complexity {
		return false
	}
	if m.MaxTokensBelow > 0 && (req.EstimatedTokens == 0 || req.EstimatedTokens >= m.MaxTokensBelow) {
		return false
	}
	if m.BudgetBelowUSD > 0 && (req.BudgetRemainingUSD == 0 || req.BudgetRemainingUSD >= m.BudgetBelowUSD) {
		return false
	}
	if m.Hours != nil && !m.Hours.contains(now.UTC().Hour()) {
		return false
	}
	return true
}

// VerticalPreference is a static ordered model list for one
// (vertical, task) pair; the first available model wins.
type VerticalPreference struct {
	Vertical string   `yaml:"vertical" json:"vertical"`
	TaskType string   `yaml:"task_type" json:"task_type"`
	Models   []string `yaml:"models" json:"models"`
}

// Validate rejects malformed preferences at load time.
func (p *VerticalPreference) Validate() error {
	if p.Vertical == "" || p.TaskType == "" {
		return fmt.Errorf("vertical preference requires vertical and task_type")
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("vertical preference %s/%s has no models", p.Vertical, p.TaskType)
	}
	return nil
}

// RoutingConfig is the validated routing document.
type RoutingConfig struct {
	APIVersion  string               `yaml:"apiVersion"`
	Kind        string               `yaml:"kind"`
	Rules       []RoutingRule        `yaml:"rules"`
	Preferences []VerticalPreference `yaml:"preferences"`
}

// LoadRoutingConfig reads and validates a routing file. Any invalid
// rule or preference fails the whole load.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config %q: %w", path, err)
	}
	return ParseRoutingConfig(data)
}

// ParseRoutingConfig validates a raw YAML routing document.
func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	cfg := &RoutingConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse routing config: %w", err)
	}
	if cfg.Kind != "" && cfg.Kind != "RoutingConfig" {
		return nil, fmt.Errorf("unexpected config kind %q, want RoutingConfig", cfg.Kind)
	}
	for i := range cfg.Rules {
		if err := cfg.Rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Preferences {
		if err := cfg.Preferences[i].Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ModelSource is the catalog view routing needs.
type ModelSource interface {
	Model(slug string) (*catalog.Model, error)
	Models() []catalog.Model
	DefaultModel() (*catalog.Model, error)
}

// Router resolves a model for a request in strict precedence: routing
// rules, vertical preferences, capability-and-cost scoring, catalog
// default.
type Router struct {
	models ModelSource
	config *RoutingConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewRouter creates a router. A nil config routes purely from the
// catalog.
func NewRouter(models ModelSource, config *RoutingConfig) *Router {
	if config == nil {
		config = &RoutingConfig{}
	}
	return &Router{
		models: models,
		config: config,
		logger: logger.New("llm-router"),
		now:    time.Now,
	}
}

// SelectModel resolves the model for a request. A candidate from a
// rule or preference that lacks a hard-required capability is not
// silently downgraded: selection escalates to a capability-only
// search, and a total dead end is a hard error.
func (r *Router) SelectModel(req SelectRequest) (*Selection, error) {
	if sel := r.fromRules(req); sel != nil {
		return r.checkHardRequirements(sel, req)
	}
	if sel := r.fromPreferences(req); sel != nil {
		return r.checkHardRequirements(sel, req)
	}
	if sel := r.fromScoring(req); sel != nil {
		return sel, nil
	}
	if sel := r.fromEscalation(req); sel != nil {
		return sel, nil
	}
	if def, err := r.models.DefaultModel(); err == nil && def.Enabled && def.Satisfies(req.ModelRequirements) {
		return &Selection{Model: *def, Reason: ReasonCatalogDefault}, nil
	}

	return nil, &RouterError{
		Code:    ErrNoModelAvailable,
		Message: fmt.Sprintf("no model available for task %q in vertical %q", req.TaskType, req.Vertical),
	}
}

func (r *Router) fromRules(req SelectRequest) *Selection {
	rules := append([]RoutingRule(nil), r.config.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	now := r.now()
	for i := range rules {
		rule := &rules[i]
		if !rule.matches(req, now) {
			continue
		}
		m, err := r.models.Model(rule.Model)
		if err != nil || !m.Enabled {
			// A rule naming an unknown or disabled model is skipped,
			// not fatal; lower stages still apply.
			continue
		}
		return &Selection{Model: *m, Reason: ReasonRule, RuleName: rule.Name}
	}
	return nil
}

func (r *Router) fromPreferences(req SelectRequest) *Selection {
	for i := range r.config.Preferences {
		pref := &r.config.Preferences[i]
		if pref.Vertical != req.Vertical || pref.TaskType != req.TaskType {
			continue
		}
		for _, slug := range pref.Models {
			m, err := r.models.Model(slug)
			if err != nil || !m.Enabled {
				continue
			}
			return &Selection{Model: *m, Reason: ReasonVerticalPreference}
		}
	}
	return nil
}

// fromScoring picks the best enabled model satisfying every hard
// requirement: quality-first when requested, cheapest-first otherwise,
// model priority breaking ties.
func (r *Router) fromScoring(req SelectRequest) *Selection {
	var candidates []catalog.Model
	for _, m := range r.models.Models() {
		if m.Enabled && m.Satisfies(req.ModelRequirements) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if req.PreferQuality {
			if a.QualityScore != b.QualityScore {
				return a.QualityScore > b.QualityScore
			}
		} else if a.CostPer1K != b.CostPer1K {
			return a.CostPer1K < b.CostPer1K
		}
		return a.Priority > b.Priority
	})
	return &Selection{Model: candidates[0], Reason: ReasonCapabilityScore}
}

// fromEscalation ignores cost and quality constraints and searches for
// any enabled model with the hard-required capabilities.
func (r *Router) fromEscalation(req SelectRequest) *Selection {
	caps := catalog.ModelRequirements{
		RequiresVision:    req.RequiresVision,
		RequiresFunctions: req.RequiresFunctions,
		RequiresJSON:      req.RequiresJSON,
	}
	if !req.RequiresVision && !req.RequiresFunctions && !req.RequiresJSON {
		return nil
	}

	var candidates []catalog.Model
	for _, m := range r.models.Models() {
		if m.Enabled && m.Satisfies(caps) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	return &Selection{Model: candidates[0], Reason: ReasonCapabilityEscalate}
}

// checkHardRequirements enforces capability fidelity on rule and
// preference candidates.
func (r *Router) checkHardRequirements(sel *Selection, req SelectRequest) (*Selection, error) {
	caps := catalog.ModelRequirements{
		RequiresVision:    req.RequiresVision,
		RequiresFunctions: req.RequiresFunctions,
		RequiresJSON:      req.RequiresJSON,
	}
	if sel.Model.Satisfies(caps) {
		return sel, nil
	}

	r.logger.Warn("", "", "Routed model lacks a hard capability, escalating", map[string]interface{}{
		"model":  sel.Model.Slug,
		"reason": sel.Reason,
	})
	if esc := r.fromEscalation(req); esc != nil {
		return esc, nil
	}
	return nil, &RouterError{
		Code:    ErrNoModelAvailable,
		Message: fmt.Sprintf("no model offers the capabilities required by task %q", req.TaskType),
	}
}
