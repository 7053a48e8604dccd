// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadrelay/platform/orchestrator/accuracy"
	"leadrelay/platform/orchestrator/catalog"
	"leadrelay/platform/orchestrator/health"
	"leadrelay/platform/orchestrator/ratelimit"
	"leadrelay/platform/shared/logger"
)

// Outcome classifies one step attempt. Skips are decisions, failures
// are invocations that went wrong; the executor pattern-matches on
// these instead of driving control flow through errors.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeFailed              Outcome = "failed"
	OutcomeTimeout             Outcome = "timeout"
	OutcomeSkippedRateLimited  Outcome = "skipped_rate_limited"
	OutcomeSkippedDisabled     Outcome = "skipped_disabled"
	OutcomeSkippedFallbackOnly Outcome = "skipped_fallback_only"
)

// Skipped reports whether the provider was never actually invoked.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedRateLimited ||
		o == OutcomeSkippedDisabled ||
		o == OutcomeSkippedFallbackOnly
}

// Attempt is one entry in the execution log: every step produces
// exactly one, skips included, so total failure is diagnosable.
type Attempt struct {
	Slug       string    `json:"slug"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Retries    int       `json:"retries"`
}

// Result is the outcome of a chain execution. Attempts is populated
// on success and failure alike.
type Result struct {
	Success  bool                   `json:"success"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Attempts []Attempt              `json:"attempts"`
}

// Chain error codes.
const (
	ErrNoEligibleProviders = "NO_ELIGIBLE_PROVIDERS"
	ErrAllAttemptsFailed   = "ALL_ATTEMPTS_FAILED"
	ErrRequiredStepFailed  = "REQUIRED_STEP_FAILED"
)

// ChainError reports a failed chain execution with its attempt log.
type ChainError struct {
	Code     string
	Message  string
	Attempts []Attempt
	Cause    error
}

func (e *ChainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error { return e.Cause }

// IsNoEligibleProviders reports whether err means no provider could
// even be attempted, as opposed to every attempted provider failing.
func IsNoEligibleProviders(err error) bool {
	ce, ok := err.(*ChainError)
	return ok && ce.Code == ErrNoEligibleProviders
}

// Invoker is the caller-supplied provider call. The executor owns
// admission, timeout, retry, and recording; the invoker owns the wire.
type Invoker func(ctx context.Context, providerSlug string, input map[string]interface{}) (map[string]interface{}, error)

// Request describes one chain execution.
type Request struct {
	// TaskType keys chain resolution.
	TaskType string

	// Capability drives dynamic ranking when no chain is configured.
	Capability catalog.Capability

	Vertical string
	TenantID string

	// Input is handed to the invoker unchanged.
	Input map[string]interface{}
}

// ProviderSource is the catalog view the executor needs.
type ProviderSource interface {
	Provider(slug string) (*catalog.Provider, error)
	ProvidersForCapability(c catalog.Capability, vertical string) []catalog.Provider
}

// Admission is the rate-limiter view the executor needs.
type Admission interface {
	Check(ctx context.Context, providerSlug, tenantID string) (*ratelimit.Decision, error)
	RecordRequest(ctx context.Context, providerSlug string, success bool, tenantID string) error
}

// HealthRecorder receives passive health observations.
type HealthRecorder interface {
	RecordCheck(ctx context.Context, result *health.CheckResult) error
}

// Ranker orders dynamically-selected providers by observed accuracy.
type Ranker interface {
	Rank(ctx context.Context, providerSlugs []string, vertical string) ([]accuracy.ProviderScore, error)
}

// Executor runs fallback chains against the shared coordination
// stores. It is stateless between executions; all cross-process state
// lives behind the injected interfaces.
type Executor struct {
	providers ProviderSource
	admission Admission
	healthRec HealthRecorder
	ranker    Ranker
	chains    *ChainSet
	logger    *logger.Logger

	// backoff returns the wait before retry n (1-based); replaced in
	// tests.
	backoff func(retry int) time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithChains installs the configured chain set.
func WithChains(chains *ChainSet) ExecutorOption {
	return func(e *Executor) { e.chains = chains }
}

// WithRanker installs accuracy-based ordering for dynamic chains.
func WithRanker(r Ranker) ExecutorOption {
	return func(e *Executor) { e.ranker = r }
}

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(f func(retry int) time.Duration) ExecutorOption {
	return func(e *Executor) { e.backoff = f }
}

// NewExecutor creates a fallback executor.
func NewExecutor(providers ProviderSource, admission Admission, healthRec HealthRecorder, opts ...ExecutorOption) *Executor {
	e := &Executor{
		providers: providers,
		admission: admission,
		healthRec: healthRec,
		logger:    logger.New("fallback"),
		backoff: func(retry int) time.Duration {
			return time.Duration(retry) * 200 * time.Millisecond
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute resolves a chain for the request and runs it. On failure the
// returned Result still carries the full attempt log and err is a
// *ChainError distinguishing "nothing was eligible" from "everything
// failed" from "a required step failed."
func (e *Executor) Execute(ctx context.Context, req Request, invoke Invoker) (*Result, error) {
	chain, err := e.resolveChain(ctx, req)
	if err != nil {
		return &Result{}, err
	}

	result := &Result{}
	merged := make(map[string]interface{})
	succeeded := false

	for _, step := range chain.Steps {
		if step.FallbackOnly && succeeded {
			result.Attempts = append(result.Attempts, Attempt{
				Slug: step.Slug, Outcome: OutcomeSkippedFallbackOnly, StartedAt: time.Now(),
			})
			continue
		}

		if skip := e.admissionSkip(ctx, step.Slug, req.TenantID); skip != nil {
			result.Attempts = append(result.Attempts, *skip)
			continue
		}

		attempt, data := e.runStep(ctx, step, req, invoke)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Outcome == OutcomeSuccess {
			succeeded = true
			if !chain.MergeResults {
				result.Success = true
				result.Data = data
				return result, nil
			}
			for k, v := range data {
				merged[k] = v
			}
			continue
		}

		// The required=true asymmetry: a rate-limited or disabled step
		// is only a skip, but a required step that ran and failed kills
		// the chain even when later steps might have succeeded.
		if step.Required {
			return result, &ChainError{
				Code:     ErrRequiredStepFailed,
				Message:  fmt.Sprintf("required step %q failed", step.Slug),
				Attempts: result.Attempts,
			}
		}
	}

	if succeeded {
		result.Success = true
		result.Data = merged
		return result, nil
	}

	for _, a := range result.Attempts {
		if !a.Outcome.Skipped() {
			return result, &ChainError{
				Code:     ErrAllAttemptsFailed,
				Message:  fmt.Sprintf("all %d attempted providers failed", countAttempted(result.Attempts)),
				Attempts: result.Attempts,
			}
		}
	}
	return result, &ChainError{
		Code:     ErrNoEligibleProviders,
		Message:  "no provider in the chain was eligible to run",
		Attempts: result.Attempts,
	}
}

// resolveChain picks the configured chain for the request key, or
// builds one dynamically from the catalog ranked by observed accuracy.
func (e *Executor) resolveChain(ctx context.Context, req Request) (*Chain, error) {
	if chain := e.chains.Resolve(req.TaskType, req.Vertical, req.TenantID); chain != nil {
		return chain, nil
	}

	providers := e.providers.ProvidersForCapability(req.Capability, req.Vertical)
	if len(providers) == 0 {
		return nil, &ChainError{
			Code:    ErrNoEligibleProviders,
			Message: fmt.Sprintf("no active provider offers capability %q", req.Capability),
		}
	}

	slugs := make([]string, 0, len(providers))
	for _, p := range providers {
		slugs = append(slugs, p.Slug)
	}

	if e.ranker != nil {
		ranked, err := e.ranker.Rank(ctx, slugs, req.Vertical)
		if err != nil {
			return nil, fmt.Errorf("failed to rank providers: %w", err)
		}
		slugs = slugs[:0]
		for _, r := range ranked {
			slugs = append(slugs, r.ProviderSlug)
		}
	}

	chain := &Chain{TaskType: req.TaskType, Vertical: req.Vertical}
	for _, slug := range slugs {
		chain.Steps = append(chain.Steps, Step{Slug: slug})
	}
	return chain, nil
}

// admissionSkip returns a skip attempt when the provider must not be
// invoked, or nil when the step may run.
func (e *Executor) admissionSkip(ctx context.Context, slug, tenantID string) *Attempt {
	now := time.Now()

	p, err := e.providers.Provider(slug)
	if err != nil || !p.IsActive() {
		return &Attempt{Slug: slug, Outcome: OutcomeSkippedDisabled, StartedAt: now}
	}

	decision, err := e.admission.Check(ctx, slug, tenantID)
	if err != nil {
		// An unreadable limiter store must not take providers down
		// with it; log and let the step run.
		e.logger.ErrorWithErr(tenantID, "", "Rate limit check failed, admitting", err, map[string]interface{}{
			"provider": slug,
		})
		return nil
	}
	if decision.Limited {
		return &Attempt{Slug: slug, Outcome: OutcomeSkippedRateLimited, StartedAt: now}
	}
	return nil
}

// runStep invokes one provider with its timeout and retry budget and
// records the outcome against the rate limiter and health monitor.
func (e *Executor) runStep(ctx context.Context, step Step, req Request, invoke Invoker) (Attempt, map[string]interface{}) {
	timeout := step.StepTimeout()
	attempt := Attempt{Slug: step.Slug, StartedAt: time.Now()}
	var data map[string]interface{}
	var lastErr error

	for try := 0; try <= step.MaxRetries; try++ {
		attempt.Retries = try
		data, lastErr = e.invokeOnce(ctx, step.Slug, req.Input, timeout, invoke)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if try < step.MaxRetries {
			e.sleep(ctx, e.backoff(try+1))
		}
	}

	attempt.DurationMs = time.Since(attempt.StartedAt).Milliseconds()

	switch {
	case lastErr == nil:
		attempt.Outcome = OutcomeSuccess
	case isTimeout(lastErr):
		attempt.Outcome = OutcomeTimeout
		attempt.Error = lastErr.Error()
	default:
		attempt.Outcome = OutcomeFailed
		attempt.Error = lastErr.Error()
	}

	e.record(ctx, step.Slug, req.TenantID, &attempt)
	return attempt, data
}

// invokeOnce races one invocation against the step timeout. On timeout
// the in-flight call is abandoned; its goroutine drains into the
// buffered channel and exits on its own.
func (e *Executor) invokeOnce(ctx context.Context, slug string, input map[string]interface{}, timeout time.Duration, invoke Invoker) (map[string]interface{}, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invocation struct {
		data map[string]interface{}
		err  error
	}
	done := make(chan invocation, 1)
	go func() {
		data, err := invoke(stepCtx, slug, input)
		done <- invocation{data, err}
	}()

	select {
	case inv := <-done:
		return inv.data, inv.err
	case <-stepCtx.Done():
		return nil, fmt.Errorf("step timed out after %s: %w", timeout, stepCtx.Err())
	}
}

// record writes the attempt to the rate limiter and health log. These
// are observations; their own failures are logged, never propagated
// into the chain result.
func (e *Executor) record(ctx context.Context, slug, tenantID string, attempt *Attempt) {
	success := attempt.Outcome == OutcomeSuccess

	if err := e.admission.RecordRequest(ctx, slug, success, tenantID); err != nil {
		e.logger.ErrorWithErr(tenantID, "", "Failed to record request against rate limits", err, map[string]interface{}{
			"provider": slug,
		})
	}

	check := &health.CheckResult{
		ProviderSlug: slug,
		CheckedAt:    attempt.StartedAt,
		Success:      success,
		LatencyMs:    attempt.DurationMs,
		ErrorMessage: attempt.Error,
	}
	if err := e.healthRec.RecordCheck(ctx, check); err != nil {
		e.logger.ErrorWithErr(tenantID, "", "Failed to record health observation", err, map[string]interface{}{
			"provider": slug,
		})
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
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

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func countAttempted(attempts []Attempt) int {
	n := 0
	for _, a := range attempts {
		if !a.Outcome.Skipped() {
			n++
		}
	}
	return n
}
