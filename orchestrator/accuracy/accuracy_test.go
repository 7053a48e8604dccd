// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package accuracy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bucketKey struct {
	provider, field, vertical string
	day                       time.Time
}

// memStore is an in-memory Store for scorer tests.
type memStore struct {
	mu      sync.Mutex
	buckets map[bucketKey]*Bucket
}

func newMemStore() *memStore {
	return &memStore{buckets: make(map[bucketKey]*Bucket)}
}

func (m *memStore) RecordValidation(ctx context.Context, v *Validation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucketKey{v.ProviderSlug, v.Field, v.Vertical, v.ObservedAt.UTC().Truncate(24 * time.Hour)}
	b, ok := m.buckets[key]
	if !ok {
		b = &Bucket{ProviderSlug: v.ProviderSlug, Field: v.Field, Vertical: v.Vertical, Day: key.day}
		m.buckets[key] = b
	}
	switch v.Outcome {
	case OutcomeCorrect:
		b.CorrectCount++
	case OutcomePartial:
		b.PartialCount++
	case OutcomeIncorrect:
		b.IncorrectCount++
	case OutcomeMissing:
		b.MissingCount++
	}
	return nil
}

func (m *memStore) Buckets(ctx context.Context, providerSlug, vertical string, since time.Time) ([]Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Bucket
	for _, b := range m.buckets {
		if b.ProviderSlug != providerSlug || b.Day.Before(since.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if vertical != "" && b.Vertical != vertical {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (m *memStore) FieldBuckets(ctx context.Context, providerSlug, field, vertical string, since time.Time) ([]Bucket, error) {
	all, err := m.Buckets(ctx, providerSlug, vertical, since)
	if err != nil {
		return nil, err
	}
	var out []Bucket
	for _, b := range all {
		if b.Field == field {
			out = append(out, b)
		}
	}
	return out, nil
}

type baselineMap map[string]float64

func (b baselineMap) BaselineAccuracy(providerSlug string) (float64, error) {
	return b[providerSlug], nil
}

func record(t *testing.T, s *Scorer, provider string, outcome Outcome, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.RecordValidation(context.Background(), &Validation{
			ProviderSlug: provider,
			Field:        "company_size",
			Vertical:     "saas",
			Outcome:      outcome,
		}))
	}
}

func TestBucketScore(t *testing.T) {
	tests := []struct {
		name   string
		bucket Bucket
		want   float64
	}{
		{"empty", Bucket{}, 0},
		{"all correct", Bucket{CorrectCount: 10}, 1.0},
		{"partials half credit", Bucket{CorrectCount: 5, PartialCount: 10, IncorrectCount: 5}, 0.5},
		{"missing counts against", Bucket{CorrectCount: 3, MissingCount: 1}, 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.bucket.Score(), 1e-9)
		})
	}
}

func TestScorerObservedScore(t *testing.T) {
	scorer := NewScorer(newMemStore(), baselineMap{"clearbit": 0.8})

	record(t, scorer, "clearbit", OutcomeCorrect, 30)
	record(t, scorer, "clearbit", OutcomePartial, 10)
	record(t, scorer, "clearbit", OutcomeIncorrect, 10)

	score, err := scorer.Score(context.Background(), "clearbit", "saas")
	require.NoError(t, err)
	assert.False(t, score.Baseline)
	assert.Equal(t, 50, score.SampleSize)
	assert.InDelta(t, 0.70, score.Score, 1e-9) // (30 + 0.5*10) / 50
}

func TestScorerBaselineFallback(t *testing.T) {
	scorer := NewScorer(newMemStore(), baselineMap{"apollo": 0.85})

	// Fewer observations than the sample threshold: the catalog
	// baseline wins even though the observed rate is perfect.
	record(t, scorer, "apollo", OutcomeCorrect, 5)

	score, err := scorer.Score(context.Background(), "apollo", "saas")
	require.NoError(t, err)
	assert.True(t, score.Baseline)
	assert.InDelta(t, 0.85, score.Score, 1e-9)
	assert.Equal(t, 5, score.SampleSize)
}

func TestScorerRejectsBadInput(t *testing.T) {
	scorer := NewScorer(newMemStore(), baselineMap{})
	ctx := context.Background()

	assert.Error(t, scorer.RecordValidation(ctx, nil))
	assert.Error(t, scorer.RecordValidation(ctx, &Validation{ProviderSlug: "x"}))
	assert.Error(t, scorer.RecordValidation(ctx, &Validation{
		ProviderSlug: "x", Field: "f", Outcome: Outcome("bogus"),
	}))
}

func TestScorerRank(t *testing.T) {
	scorer := NewScorer(newMemStore(), baselineMap{"clearbit": 0.8, "apollo": 0.85, "zoominfo": 0.9},
		WithMinSampleSize(10))

	// clearbit has strong observed accuracy, apollo weak observed,
	// zoominfo no observations (baseline).
	record(t, scorer, "clearbit", OutcomeCorrect, 40)
	record(t, scorer, "apollo", OutcomeCorrect, 20)
	record(t, scorer, "apollo", OutcomeIncorrect, 20)

	ranked, err := scorer.Rank(context.Background(), []string{"apollo", "clearbit", "zoominfo"}, "saas")
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	assert.Equal(t, "clearbit", ranked[0].ProviderSlug)
	assert.Equal(t, "zoominfo", ranked[1].ProviderSlug)
	assert.True(t, ranked[1].Baseline)
	assert.Equal(t, "apollo", ranked[2].ProviderSlug)
	assert.InDelta(t, 0.5, ranked[2].Score, 1e-9)
}

func TestScorerVerticalIsolation(t *testing.T) {
	store := newMemStore()
	scorer := NewScorer(store, baselineMap{"clearbit": 0.8}, WithMinSampleSize(5))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, scorer.RecordValidation(ctx, &Validation{
			ProviderSlug: "clearbit", Field: "company_size", Vertical: "banking", Outcome: OutcomeIncorrect,
		}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, scorer.RecordValidation(ctx, &Validation{
			ProviderSlug: "clearbit", Field: "company_size", Vertical: "saas", Outcome: OutcomeCorrect,
		}))
	}

	banking, err := scorer.Score(ctx, "clearbit", "banking")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, banking.Score, 1e-9)

	saas, err := scorer.Score(ctx, "clearbit", "saas")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, saas.Score, 1e-9)
}

func TestScorerWindowExcludesOldBuckets(t *testing.T) {
	store := newMemStore()
	scorer := NewScorer(store, baselineMap{"clearbit": 0.8}, WithMinSampleSize(5), WithScoringWindow(7*24*time.Hour))

	now := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	scorer.now = func() time.Time { return now }
	ctx := context.Background()

	// Ancient bad feedback ages out of the window.
	for i := 0; i < 10; i++ {
		require.NoError(t, scorer.RecordValidation(ctx, &Validation{
			ProviderSlug: "clearbit", Field: "company_size", Outcome: OutcomeIncorrect,
			ObservedAt: now.Add(-30 * 24 * time.Hour),
		}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, scorer.RecordValidation(ctx, &Validation{
			ProviderSlug: "clearbit", Field: "company_size", Outcome: OutcomeCorrect,
			ObservedAt: now.Add(-24 * time.Hour),
		}))
	}

	score, err := scorer.Score(ctx, "clearbit", "")
	require.NoError(t, err)
	assert.Equal(t, 10, score.SampleSize)
	assert.InDelta(t, 1.0, score.Score, 1e-9)
}

func TestScorerFieldScore(t *testing.T) {
	store := newMemStore()
	scorer := NewScorer(store, baselineMap{"clearbit": 0.8}, WithMinSampleSize(5))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, scorer.RecordValidation(ctx, &Validation{
			ProviderSlug: "clearbit", Field: "revenue", Outcome: OutcomeMissing,
		}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, scorer.RecordValidation(ctx, &Validation{
			ProviderSlug: "clearbit", Field: "company_size", Outcome: OutcomeCorrect,
		}))
	}

	revenue, err := scorer.FieldScore(ctx, "clearbit", "revenue", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, revenue.Score, 1e-9)

	size, err := scorer.FieldScore(ctx, "clearbit", "company_size", "")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, size.Score, 1e-9)
}
