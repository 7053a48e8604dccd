// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadrelay/platform/orchestrator/catalog"
	"leadrelay/platform/orchestrator/cost"
	"leadrelay/platform/orchestrator/fallback"
	"leadrelay/platform/orchestrator/health"
	"leadrelay/platform/orchestrator/ratelimit"
	"leadrelay/platform/shared/logger"
)

// Admission is the rate-limiter view completion execution needs.
type Admission interface {
	Check(ctx context.Context, providerSlug, tenantID string) (*ratelimit.Decision, error)
	RecordRequest(ctx context.Context, providerSlug string, success bool, tenantID string) error
}

// HealthRecorder receives completion outcomes as passive health
// observations.
type HealthRecorder interface {
	RecordCheck(ctx context.Context, result *health.CheckResult) error
}

// UsageRecorder appends attempts to the usage ledger.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, record *cost.UsageRecord) error
}

// CatalogSource is the catalog view completion execution needs.
type CatalogSource interface {
	ModelSource
	Provider(slug string) (*catalog.Provider, error)
}

// FallbackResult is a completion plus its attempt log.
type FallbackResult struct {
	Response *CompletionResponse `json:"response,omitempty"`
	Attempts []fallback.Attempt  `json:"attempts"`
}

// Service executes completions: routing, admission, per-step timeout
// and rate-limit retry, fallback across models, caching, and usage
// accounting. It is the LLM specialization of the generic fallback
// protocol.
type Service struct {
	router    *Router
	catalog   CatalogSource
	adapters  map[string]Adapter
	admission Admission
	healthRec HealthRecorder
	usage     UsageRecorder
	cache     ResponseCache
	chains    *fallback.ChainSet
	logger    *logger.Logger

	stepTimeout time.Duration
	maxRetries  int
	backoff     func(retry int) time.Duration
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCache installs a response cache; without one CompleteWithCache
// degrades to CompleteWithFallback.
func WithCache(cache ResponseCache) ServiceOption {
	return func(s *Service) { s.cache = cache }
}

// WithServiceChains installs configured fallback chains keyed by task
// type.
func WithServiceChains(chains *fallback.ChainSet) ServiceOption {
	return func(s *Service) { s.chains = chains }
}

// WithStepTimeout overrides the per-attempt timeout.
func WithStepTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.stepTimeout = d }
}

// WithMaxRetries overrides the in-step rate-limit retry budget.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) { s.maxRetries = n }
}

// WithRetryBackoff overrides the retry backoff schedule.
func WithRetryBackoff(f func(retry int) time.Duration) ServiceOption {
	return func(s *Service) { s.backoff = f }
}

// NewService creates a completion service over the given adapters,
// keyed by provider slug.
func NewService(router *Router, cat CatalogSource, adapters map[string]Adapter,
	admission Admission, healthRec HealthRecorder, usage UsageRecorder, opts ...ServiceOption) *Service {

	s := &Service{
		router:      router,
		catalog:     cat,
		adapters:    adapters,
		admission:   admission,
		healthRec:   healthRec,
		usage:       usage,
		logger:      logger.New("llm"),
		stepTimeout: 60 * time.Second,
		maxRetries:  2,
		backoff: func(retry int) time.Duration {
			return time.Duration(retry) * 500 * time.Millisecond
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectModel exposes routing without execution.
func (s *Service) SelectModel(req SelectRequest) (*Selection, error) {
	return s.router.SelectModel(req)
}

// CompleteWithFallback resolves a model chain for the request and
// executes it fail-fast. Every attempt is written to the usage ledger
// regardless of outcome, and provider rate-limit errors are retried
// in-step with backoff before the chain advances.
func (s *Service) CompleteWithFallback(ctx context.Context, sel SelectRequest, tenantID string, req CompletionRequest) (*FallbackResult, error) {
	modelSlugs, err := s.resolveModels(sel, tenantID)
	if err != nil {
		return &FallbackResult{}, err
	}

	result := &FallbackResult{}
	attempted := 0

	for i, slug := range modelSlugs {
		model, adapter, skip := s.admit(ctx, slug, tenantID)
		if skip != nil {
			result.Attempts = append(result.Attempts, *skip)
			continue
		}

		attempted++
		attempt, resp := s.runAttempt(ctx, model, adapter, sel, tenantID, req, i > 0)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Outcome == fallback.OutcomeSuccess {
			fallbackDepth.Observe(float64(attempted))
			result.Response = resp
			return result, nil
		}
	}

	fallbackDepth.Observe(float64(attempted))
	if attempted == 0 {
		return result, &fallback.ChainError{
			Code:     fallback.ErrNoEligibleProviders,
			Message:  "no model in the chain was eligible to run",
			Attempts: result.Attempts,
		}
	}
	return result, &fallback.ChainError{
		Code:     fallback.ErrAllAttemptsFailed,
		Message:  fmt.Sprintf("all %d attempted models failed", attempted),
		Attempts: result.Attempts,
	}
}

// CompleteWithCache layers a read-through response cache over
// CompleteWithFallback. Hits return immediately at zero token cost;
// misses execute normally and populate the cache with the caller's
// TTL.
func (s *Service) CompleteWithCache(ctx context.Context, sel SelectRequest, tenantID string, req CompletionRequest, ttl time.Duration) (*FallbackResult, error) {
	if s.cache == nil {
		return s.CompleteWithFallback(ctx, sel, tenantID, req)
	}

	selection, err := s.router.SelectModel(sel)
	if err != nil {
		return &FallbackResult{}, err
	}
	key := CacheKey(selection.Model.Slug, req)

	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		// A broken cache degrades to a miss, never to a failed request.
		s.logger.ErrorWithErr(tenantID, "", "Cache read failed, treating as miss", err, map[string]interface{}{
			"model": selection.Model.Slug,
		})
	}
	if entry != nil {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		resp := *entry.Response
		resp.Cached = true
		s.recordUsage(ctx, &cost.UsageRecord{
			TenantID:     tenantID,
			ModelSlug:    resp.ModelSlug,
			ProviderSlug: resp.ProviderSlug,
			TaskType:     sel.TaskType,
			Vertical:     sel.Vertical,
			Status:       cost.UsageStatusSuccess,
			Cached:       true,
		})
		return &FallbackResult{Response: &resp}, nil
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	result, err := s.CompleteWithFallback(ctx, sel, tenantID, req)
	if err != nil {
		return result, err
	}

	if putErr := s.cache.Put(ctx, key, result.Response, ttl); putErr != nil {
		s.logger.ErrorWithErr(tenantID, "", "Cache write failed", putErr, map[string]interface{}{
			"model": result.Response.ModelSlug,
		})
	}
	return result, nil
}

// StreamWithFallback is CompleteWithFallback for streaming responses.
// Fallback only happens before the first chunk reaches the handler; a
// stream that dies mid-flight is a failed attempt, not a restart,
// because the caller has already observed partial output.
func (s *Service) StreamWithFallback(ctx context.Context, sel SelectRequest, tenantID string, req CompletionRequest, handler StreamHandler) (*FallbackResult, error) {
	modelSlugs, err := s.resolveModels(sel, tenantID)
	if err != nil {
		return &FallbackResult{}, err
	}

	result := &FallbackResult{}
	attempted := 0

	for i, slug := range modelSlugs {
		model, adapter, skip := s.admit(ctx, slug, tenantID)
		if skip != nil {
			result.Attempts = append(result.Attempts, *skip)
			continue
		}

		attempted++
		started := false
		wrapped := func(chunk StreamChunk) error {
			started = true
			return handler(chunk)
		}

		streamReq := req
		streamReq.ModelSlug = model.Slug
		start := s.now()
		stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
		resp, err := adapter.StreamComplete(stepCtx, streamReq, wrapped)
		cancel()

		attempt := s.observe(ctx, model, sel, tenantID, start, resp, err, i > 0)
		result.Attempts = append(result.Attempts, attempt)

		if err == nil {
			result.Response = resp
			return result, nil
		}
		if started {
			return result, &fallback.ChainError{
				Code:     fallback.ErrAllAttemptsFailed,
				Message:  fmt.Sprintf("stream from %q failed after output started", model.Slug),
				Attempts: result.Attempts,
				Cause:    err,
			}
		}
	}

	if attempted == 0 {
		return result, &fallback.ChainError{
			Code:     fallback.ErrNoEligibleProviders,
			Message:  "no model in the chain was eligible to run",
			Attempts: result.Attempts,
		}
	}
	return result, &fallback.ChainError{
		Code:     fallback.ErrAllAttemptsFailed,
		Message:  fmt.Sprintf("all %d attempted models failed", attempted),
		Attempts: result.Attempts,
	}
}

// Probers exposes the adapters for active health sweeps.
func (s *Service) Probers() map[string]health.Prober {
	probers := make(map[string]health.Prober, len(s.adapters))
	for slug, adapter := range s.adapters {
		probers[slug] = adapter
	}
	return probers
}

// resolveModels returns the ordered model slugs to try: the configured
// chain for (taskType, vertical, tenant) or a single routed selection.
func (s *Service) resolveModels(sel SelectRequest, tenantID string) ([]string, error) {
	if chain := s.chains.Resolve(sel.TaskType, sel.Vertical, tenantID); chain != nil {
		slugs := make([]string, 0, len(chain.Steps))
		for _, step := range chain.Steps {
			slugs = append(slugs, step.Slug)
		}
		return slugs, nil
	}

	selection, err := s.router.SelectModel(sel)
	if err != nil {
		return nil, err
	}
	return []string{selection.Model.Slug}, nil
}

// admit resolves the model and adapter for a step and applies the
// skip rules: unknown or disabled model/provider/adapter, or a tripped
// rate limit.
func (s *Service) admit(ctx context.Context, modelSlug, tenantID string) (*catalog.Model, Adapter, *fallback.Attempt) {
	now := s.now()

	model, err := s.catalog.Model(modelSlug)
	if err != nil || !model.Enabled {
		return nil, nil, &fallback.Attempt{Slug: modelSlug, Outcome: fallback.OutcomeSkippedDisabled, StartedAt: now}
	}

	provider, err := s.catalog.Provider(model.ProviderSlug)
	if err != nil || !provider.IsActive() {
		return nil, nil, &fallback.Attempt{Slug: modelSlug, Outcome: fallback.OutcomeSkippedDisabled, StartedAt: now}
	}

	adapter, ok := s.adapters[model.ProviderSlug]
	if !ok || !adapter.IsReady() {
		return nil, nil, &fallback.Attempt{Slug: modelSlug, Outcome: fallback.OutcomeSkippedDisabled, StartedAt: now}
	}

	decision, err := s.admission.Check(ctx, model.ProviderSlug, tenantID)
	if err != nil {
		s.logger.ErrorWithErr(tenantID, "", "Rate limit check failed, admitting", err, map[string]interface{}{
			"provider": model.ProviderSlug,
		})
	} else if decision.Limited {
		return nil, nil, &fallback.Attempt{Slug: modelSlug, Outcome: fallback.OutcomeSkippedRateLimited, StartedAt: now}
	}

	return model, adapter, nil
}

// runAttempt executes one model with the in-step rate-limit retry
// protocol: a provider 429 waits out the advertised RetryAfter (or
// the backoff schedule) and retries up to the budget; any other error
// advances the chain immediately.
func (s *Service) runAttempt(ctx context.Context, model *catalog.Model, adapter Adapter, sel SelectRequest, tenantID string, req CompletionRequest, wasFallback bool) (fallback.Attempt, *CompletionResponse) {
	attemptReq := req
	attemptReq.ModelSlug = model.Slug

	start := s.now()
	var resp *CompletionResponse
	var err error

	for try := 0; ; try++ {
		stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
		resp, err = adapter.Complete(stepCtx, attemptReq)
		cancel()

		if err == nil || ctx.Err() != nil || try >= s.maxRetries {
			break
		}
		info := adapter.ParseRateLimitError(err)
		if !info.IsRateLimited {
			break
		}

		wait := info.RetryAfter
		if wait <= 0 {
			wait = s.backoff(try + 1)
		}
		s.sleep(ctx, wait)
	}

	attempt := s.observe(ctx, model, sel, tenantID, start, resp, err, wasFallback)
	return attempt, resp
}

// observe classifies one finished attempt, records it against the
// usage ledger, rate limits, and health log, and updates metrics.
func (s *Service) observe(ctx context.Context, model *catalog.Model, sel SelectRequest, tenantID string, start time.Time, resp *CompletionResponse, err error, wasFallback bool) fallback.Attempt {
	latency := s.now().Sub(start)
	attempt := fallback.Attempt{
		Slug:       model.Slug,
		StartedAt:  start,
		DurationMs: latency.Milliseconds(),
	}

	status := cost.UsageStatusSuccess
	switch {
	case err == nil:
		attempt.Outcome = fallback.OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		attempt.Outcome = fallback.OutcomeTimeout
		attempt.Error = err.Error()
		status = cost.UsageStatusTimeout
	default:
		attempt.Outcome = fallback.OutcomeFailed
		attempt.Error = err.Error()
		status = cost.UsageStatusError
		if s.adapters[model.ProviderSlug] != nil &&
			s.adapters[model.ProviderSlug].ParseRateLimitError(err).IsRateLimited {
			status = cost.UsageStatusRateLimited
		}
	}

	usage := &cost.UsageRecord{
		TenantID:     tenantID,
		ModelSlug:    model.Slug,
		ProviderSlug: model.ProviderSlug,
		TaskType:     sel.TaskType,
		Vertical:     sel.Vertical,
		LatencyMs:    attempt.DurationMs,
		Status:       status,
		WasFallback:  wasFallback,
	}
	if resp != nil {
		usage.TokensIn = resp.Usage.PromptTokens
		usage.TokensOut = resp.Usage.CompletionTokens
	}
	s.recordUsage(ctx, usage)

	success := err == nil
	if recErr := s.admission.RecordRequest(ctx, model.ProviderSlug, success, tenantID); recErr != nil {
		s.logger.ErrorWithErr(tenantID, "", "Failed to record request against rate limits", recErr, map[string]interface{}{
			"provider": model.ProviderSlug,
		})
	}
	check := &health.CheckResult{
		ProviderSlug: model.ProviderSlug,
		CheckedAt:    start,
		Success:      success,
		LatencyMs:    attempt.DurationMs,
		ErrorMessage: attempt.Error,
	}
	if recErr := s.healthRec.RecordCheck(ctx, check); recErr != nil {
		s.logger.ErrorWithErr(tenantID, "", "Failed to record health observation", recErr, map[string]interface{}{
			"provider": model.ProviderSlug,
		})
	}

	completionsTotal.WithLabelValues(model.Slug, model.ProviderSlug, string(status)).Inc()
	completionDuration.WithLabelValues(model.Slug, model.ProviderSlug).Observe(latency.Seconds())
	return attempt
}

func (s *Service) recordUsage(ctx context.Context, record *cost.UsageRecord) {
	if err := s.usage.RecordUsage(ctx, record); err != nil {
		s.logger.ErrorWithErr(record.TenantID, "", "Failed to record usage", err, map[string]interface{}{
			"model": record.ModelSlug,
		})
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
