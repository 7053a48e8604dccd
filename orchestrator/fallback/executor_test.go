// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadrelay/platform/orchestrator/accuracy"
	"leadrelay/platform/orchestrator/catalog"
	"leadrelay/platform/orchestrator/health"
	"leadrelay/platform/orchestrator/ratelimit"
)

// stubProviders is an in-memory ProviderSource.
type stubProviders struct {
	providers map[string]*catalog.Provider
}

func newStubProviders(slugs ...string) *stubProviders {
	s := &stubProviders{providers: make(map[string]*catalog.Provider)}
	for _, slug := range slugs {
		s.providers[slug] = &catalog.Provider{
			Slug:         slug,
			DisplayName:  slug,
			Capabilities: []catalog.Capability{catalog.CapabilityCompanyEnrichment},
			Status:       catalog.ProviderStatusActive,
		}
	}
	return s
}

func (s *stubProviders) disable(slug string) {
	s.providers[slug].Status = catalog.ProviderStatusDisabled
}

func (s *stubProviders) Provider(slug string) (*catalog.Provider, error) {
	if p, ok := s.providers[slug]; ok {
		return p, nil
	}
	return nil, &catalog.CatalogError{Slug: slug, Code: catalog.ErrCatalogNotFound, Message: "not found"}
}

func (s *stubProviders) ProvidersForCapability(c catalog.Capability, vertical string) []catalog.Provider {
	var out []catalog.Provider
	for _, p := range s.providers {
		if p.IsActive() && p.HasCapability(c) {
			out = append(out, *p)
		}
	}
	return out
}

// stubAdmission records calls and marks chosen providers as limited.
type stubAdmission struct {
	mu       sync.Mutex
	limited  map[string]bool
	recorded []recordedRequest
	checkErr error
}

type recordedRequest struct {
	slug    string
	success bool
}

func newStubAdmission() *stubAdmission {
	return &stubAdmission{limited: make(map[string]bool)}
}

func (s *stubAdmission) Check(ctx context.Context, providerSlug, tenantID string) (*ratelimit.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return nil, s.checkErr
	}
	return &ratelimit.Decision{Limited: s.limited[providerSlug]}, nil
}

func (s *stubAdmission) RecordRequest(ctx context.Context, providerSlug string, success bool, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, recordedRequest{providerSlug, success})
	return nil
}

// stubHealth collects health observations.
type stubHealth struct {
	mu      sync.Mutex
	results []health.CheckResult
}

func (s *stubHealth) RecordCheck(ctx context.Context, result *health.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, *result)
	return nil
}

func instantBackoff() ExecutorOption {
	return WithBackoff(func(int) time.Duration { return 0 })
}

func enrichmentChain(steps ...Step) *ChainSet {
	set, err := NewChainSet(Chain{Name: "test", TaskType: "enrichment", Steps: steps})
	if err != nil {
		panic(err)
	}
	return set
}

func TestExecuteFirstSuccessWins(t *testing.T) {
	providers := newStubProviders("a", "b")
	admission := newStubAdmission()
	healthRec := &stubHealth{}
	exec := NewExecutor(providers, admission, healthRec,
		WithChains(enrichmentChain(Step{Slug: "a"}, Step{Slug: "b"})), instantBackoff())

	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"from": slug}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "a", result.Data["from"])
	require.Len(t, result.Attempts, 1, "no attempts may follow the first success")
	assert.Equal(t, OutcomeSuccess, result.Attempts[0].Outcome)
}

func TestExecuteTimeoutThenFallback(t *testing.T) {
	providers := newStubProviders("a", "b")
	admission := newStubAdmission()
	healthRec := &stubHealth{}
	exec := NewExecutor(providers, admission, healthRec,
		WithChains(enrichmentChain(Step{Slug: "a", TimeoutMs: 30}, Step{Slug: "b"})), instantBackoff())

	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			if slug == "a" {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Second):
					return map[string]interface{}{"from": "a"}, nil
				}
			}
			return map[string]interface{}{"from": "b"}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "b", result.Data["from"])

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeTimeout, result.Attempts[0].Outcome)
	assert.NotEmpty(t, result.Attempts[0].Error)
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)

	// Both attempts are observed by the health monitor and counted
	// against the rate limits.
	assert.Len(t, healthRec.results, 2)
	assert.False(t, healthRec.results[0].Success)
	assert.Equal(t, []recordedRequest{{"a", false}, {"b", true}}, admission.recorded)
}

func TestExecuteMergeMode(t *testing.T) {
	providers := newStubProviders("a", "b")
	admission := newStubAdmission()
	set, err := NewChainSet(Chain{
		Name: "merge", TaskType: "enrichment", MergeResults: true,
		Steps: []Step{{Slug: "a"}, {Slug: "b"}},
	})
	require.NoError(t, err)
	exec := NewExecutor(providers, admission, &stubHealth{}, WithChains(set), instantBackoff())

	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			if slug == "a" {
				return map[string]interface{}{"company_size": 100, "domain": "acme.io"}, nil
			}
			return map[string]interface{}{"company_size": 250, "revenue": "10M"}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Attempts, 2, "merge mode never stops at the first success")

	// Union of both outputs; later steps overwrite earlier on conflict.
	assert.Equal(t, 250, result.Data["company_size"])
	assert.Equal(t, "acme.io", result.Data["domain"])
	assert.Equal(t, "10M", result.Data["revenue"])
}

func TestExecuteFallbackOnlySkippedAfterSuccess(t *testing.T) {
	providers := newStubProviders("primary", "backup")
	admission := newStubAdmission()
	set, err := NewChainSet(Chain{
		Name: "merge", TaskType: "enrichment", MergeResults: true,
		Steps: []Step{{Slug: "primary"}, {Slug: "backup", FallbackOnly: true}},
	})
	require.NoError(t, err)
	exec := NewExecutor(providers, admission, &stubHealth{}, WithChains(set), instantBackoff())

	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"from": slug}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, OutcomeSkippedFallbackOnly, result.Attempts[1].Outcome)
	assert.Equal(t, "primary", result.Data["from"])
}

func TestExecuteFallbackOnlyRunsWhenPrimaryFails(t *testing.T) {
	providers := newStubProviders("primary", "backup")
	admission := newStubAdmission()
	exec := NewExecutor(providers, admission, &stubHealth{},
		WithChains(enrichmentChain(Step{Slug: "primary"}, Step{Slug: "backup", FallbackOnly: true})),
		instantBackoff())

	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			if slug == "primary" {
				return nil, errors.New("502 bad gateway")
			}
			return map[string]interface{}{"from": slug}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "backup", result.Data["from"])
}

func TestExecuteRequiredStepFailureAbortsChain(t *testing.T) {
	providers := newStubProviders("a", "b")
	admission := newStubAdmission()
	exec := NewExecutor(providers, admission, &stubHealth{},
		WithChains(enrichmentChain(Step{Slug: "a", Required: true}, Step{Slug: "b"})),
		instantBackoff())

	invoked := make(map[string]bool)
	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			invoked[slug] = true
			return nil, errors.New("boom")
		})
	require.Error(t, err)

	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, ErrRequiredStepFailed, chainErr.Code)
	assert.Len(t, chainErr.Attempts, 1)

	assert.False(t, result.Success)
	assert.False(t, invoked["b"], "later steps must not run after a required step fails")
}

func TestExecuteSkipsDisabledAndRateLimited(t *testing.T) {
	providers := newStubProviders("disabled", "limited", "ok")
	providers.disable("disabled")
	admission := newStubAdmission()
	admission.limited["limited"] = true

	exec := NewExecutor(providers, admission, &stubHealth{},
		WithChains(enrichmentChain(Step{Slug: "disabled"}, Step{Slug: "limited"}, Step{Slug: "ok"})),
		instantBackoff())

	invoked := make(map[string]bool)
	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			invoked[slug] = true
			return map[string]interface{}{}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, result.Attempts, 3)
	assert.Equal(t, OutcomeSkippedDisabled, result.Attempts[0].Outcome)
	assert.Equal(t, OutcomeSkippedRateLimited, result.Attempts[1].Outcome)
	assert.Equal(t, OutcomeSuccess, result.Attempts[2].Outcome)
	assert.False(t, invoked["disabled"])
	assert.False(t, invoked["limited"])
}

func TestExecuteAllSkippedVersusAllFailed(t *testing.T) {
	t.Run("all skipped", func(t *testing.T) {
		providers := newStubProviders("a", "b")
		admission := newStubAdmission()
		admission.limited["a"] = true
		admission.limited["b"] = true

		exec := NewExecutor(providers, admission, &stubHealth{},
			WithChains(enrichmentChain(Step{Slug: "a"}, Step{Slug: "b"})), instantBackoff())

		_, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
			func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
				t.Fatal("nothing should be invoked")
				return nil, nil
			})
		require.Error(t, err)
		assert.True(t, IsNoEligibleProviders(err))
	})

	t.Run("all failed", func(t *testing.T) {
		providers := newStubProviders("a", "b")
		exec := NewExecutor(providers, newStubAdmission(), &stubHealth{},
			WithChains(enrichmentChain(Step{Slug: "a"}, Step{Slug: "b"})), instantBackoff())

		result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
			func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
				return nil, errors.New("503 service unavailable")
			})
		require.Error(t, err)
		assert.False(t, IsNoEligibleProviders(err))

		var chainErr *ChainError
		require.ErrorAs(t, err, &chainErr)
		assert.Equal(t, ErrAllAttemptsFailed, chainErr.Code)
		assert.Len(t, result.Attempts, 2, "total failure still returns the full attempt log")
		for _, a := range result.Attempts {
			assert.Equal(t, OutcomeFailed, a.Outcome)
			assert.NotEmpty(t, a.Error)
		}
	})
}

func TestExecuteRetriesWithinStep(t *testing.T) {
	providers := newStubProviders("flaky")
	exec := NewExecutor(providers, newStubAdmission(), &stubHealth{},
		WithChains(enrichmentChain(Step{Slug: "flaky", MaxRetries: 2})), instantBackoff())

	calls := 0
	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("429 too many requests")
			}
			return map[string]interface{}{"ok": true}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, result.Attempts[0].Retries)
}

func TestExecuteDynamicChainRankedByAccuracy(t *testing.T) {
	providers := newStubProviders("low", "high")
	exec := NewExecutor(providers, newStubAdmission(), &stubHealth{},
		WithRanker(rankerFunc(func(ctx context.Context, slugs []string, vertical string) ([]accuracy.ProviderScore, error) {
			return []accuracy.ProviderScore{
				{ProviderSlug: "high", Score: 0.95},
				{ProviderSlug: "low", Score: 0.60},
			}, nil
		})), instantBackoff())

	var order []string
	result, err := exec.Execute(context.Background(), Request{
		TaskType:   "enrichment",
		Capability: catalog.CapabilityCompanyEnrichment,
	}, func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
		order = append(order, slug)
		return nil, errors.New("fail so every step runs")
	})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestExecuteNoProvidersForCapability(t *testing.T) {
	providers := newStubProviders()
	exec := NewExecutor(providers, newStubAdmission(), &stubHealth{})

	_, err := exec.Execute(context.Background(), Request{
		TaskType:   "enrichment",
		Capability: catalog.CapabilityCompanyEnrichment,
	}, func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, IsNoEligibleProviders(err))
}

func TestExecuteAdmitsWhenLimiterUnavailable(t *testing.T) {
	providers := newStubProviders("a")
	admission := newStubAdmission()
	admission.checkErr = errors.New("redis down")

	exec := NewExecutor(providers, admission, &stubHealth{},
		WithChains(enrichmentChain(Step{Slug: "a"})), instantBackoff())

	result, err := exec.Execute(context.Background(), Request{TaskType: "enrichment"},
		func(ctx context.Context, slug string, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success, "a broken limiter store must not block providers")
}

type rankerFunc func(ctx context.Context, slugs []string, vertical string) ([]accuracy.ProviderScore, error)

func (f rankerFunc) Rank(ctx context.Context, slugs []string, vertical string) ([]accuracy.ProviderScore, error) {
	return f(ctx, slugs, vertical)
}
