// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package accuracy scores data providers from validation feedback.
// Each validated field lands in a daily bucket per (provider, field,
// vertical); ranking blends buckets over an observation window and
// falls back to the provider's catalog baseline when there is not
// enough feedback to say anything meaningful.
package accuracy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"leadrelay/platform/shared/logger"
)

// Outcome classifies one validated field value.
type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomePartial   Outcome = "partial"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomeMissing   Outcome = "missing"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCorrect, OutcomePartial, OutcomeIncorrect, OutcomeMissing:
		return true
	}
	return false
}

// Validation is one piece of feedback about a provider-supplied field.
type Validation struct {
	ProviderSlug string    `json:"provider_slug"`
	Field        string    `json:"field"`
	Vertical     string    `json:"vertical,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Bucket is the daily aggregate the store maintains.
type Bucket struct {
	ProviderSlug   string    `json:"provider_slug"`
	Field          string    `json:"field"`
	Vertical       string    `json:"vertical,omitempty"`
	Day            time.Time `json:"day"`
	CorrectCount   int       `json:"correct_count"`
	PartialCount   int       `json:"partial_count"`
	IncorrectCount int       `json:"incorrect_count"`
	MissingCount   int       `json:"missing_count"`
}

// Total returns the number of validations in the bucket.
func (b *Bucket) Total() int {
	return b.CorrectCount + b.PartialCount + b.IncorrectCount + b.MissingCount
}

// Score blends bucket counts into [0,1]: partially correct values are
// worth half credit, incorrect and missing none.
func (b *Bucket) Score() float64 {
	total := b.Total()
	if total == 0 {
		return 0
	}
	return (float64(b.CorrectCount) + 0.5*float64(b.PartialCount)) / float64(total)
}

// ProviderScore is a ranked provider with its observed (or baseline)
// accuracy.
type ProviderScore struct {
	ProviderSlug string  `json:"provider_slug"`
	Score        float64 `json:"score"`
	SampleSize   int     `json:"sample_size"`

	// Baseline is true when the score came from the catalog baseline
	// rather than observed feedback.
	Baseline bool `json:"baseline"`
}

// Store persists validation buckets. RecordValidation must be an
// atomic insert-or-increment on the (provider, field, vertical, day)
// key so concurrent feedback is never lost.
type Store interface {
	RecordValidation(ctx context.Context, v *Validation) error
	Buckets(ctx context.Context, providerSlug, vertical string, since time.Time) ([]Bucket, error)
	FieldBuckets(ctx context.Context, providerSlug, field, vertical string, since time.Time) ([]Bucket, error)
}

// BaselineSource supplies the catalog fallback when observations are
// too thin.
type BaselineSource interface {
	BaselineAccuracy(providerSlug string) (float64, error)
}

// DefaultWindow is the observation window for ranking.
const DefaultWindow = 30 * 24 * time.Hour

// MinSampleSize is the observation count below which the catalog
// baseline wins over the observed score.
const MinSampleSize = 20

// Scorer records validations and ranks providers by observed accuracy.
type Scorer struct {
	store     Store
	baselines BaselineSource
	window    time.Duration
	minSample int
	logger    *logger.Logger
	now       func() time.Time
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithScoringWindow overrides the observation window.
func WithScoringWindow(d time.Duration) ScorerOption {
	return func(s *Scorer) { s.window = d }
}

// WithMinSampleSize overrides the baseline-fallback threshold.
func WithMinSampleSize(n int) ScorerOption {
	return func(s *Scorer) { s.minSample = n }
}

// NewScorer creates an accuracy scorer.
func NewScorer(store Store, baselines BaselineSource, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		store:     store,
		baselines: baselines,
		window:    DefaultWindow,
		minSample: MinSampleSize,
		logger:    logger.New("accuracy"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordValidation counts one validated field value into its daily
// bucket.
func (s *Scorer) RecordValidation(ctx context.Context, v *Validation) error {
	if v == nil || v.ProviderSlug == "" || v.Field == "" {
		return fmt.Errorf("validation requires provider and field")
	}
	if !v.Outcome.Valid() {
		return fmt.Errorf("unknown validation outcome %q", v.Outcome)
	}
	if v.ObservedAt.IsZero() {
		v.ObservedAt = s.now()
	}

	if err := s.store.RecordValidation(ctx, v); err != nil {
		return fmt.Errorf("failed to record validation for %q: %w", v.ProviderSlug, err)
	}
	return nil
}

// Score returns the provider's observed accuracy within a vertical,
// or the catalog baseline when fewer than minSample observations
// exist.
func (s *Scorer) Score(ctx context.Context, providerSlug, vertical string) (*ProviderScore, error) {
	buckets, err := s.store.Buckets(ctx, providerSlug, vertical, s.now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to read accuracy buckets for %q: %w", providerSlug, err)
	}

	score := blend(buckets)
	score.ProviderSlug = providerSlug

	if score.SampleSize < s.minSample {
		baseline, err := s.baselines.BaselineAccuracy(providerSlug)
		if err != nil {
			return nil, fmt.Errorf("failed to read baseline for %q: %w", providerSlug, err)
		}
		score.Score = baseline
		score.Baseline = true
	}
	return score, nil
}

// FieldScore is Score restricted to a single field.
func (s *Scorer) FieldScore(ctx context.Context, providerSlug, field, vertical string) (*ProviderScore, error) {
	buckets, err := s.store.FieldBuckets(ctx, providerSlug, field, vertical, s.now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to read field accuracy for %q: %w", providerSlug, err)
	}

	score := blend(buckets)
	score.ProviderSlug = providerSlug

	if score.SampleSize < s.minSample {
		baseline, err := s.baselines.BaselineAccuracy(providerSlug)
		if err != nil {
			return nil, fmt.Errorf("failed to read baseline for %q: %w", providerSlug, err)
		}
		score.Score = baseline
		score.Baseline = true
	}
	return score, nil
}

// Rank orders the given providers best-first by accuracy within a
// vertical. Ties keep the caller's order, so a catalog list already
// sorted by baseline stays stable.
func (s *Scorer) Rank(ctx context.Context, providerSlugs []string, vertical string) ([]ProviderScore, error) {
	scores := make([]ProviderScore, 0, len(providerSlugs))
	for _, slug := range providerSlugs {
		score, err := s.Score(ctx, slug, vertical)
		if err != nil {
			return nil, err
		}
		scores = append(scores, *score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	return scores, nil
}

func blend(buckets []Bucket) *ProviderScore {
	var correct, partial, total float64
	sample := 0
	for i := range buckets {
		b := &buckets[i]
		correct += float64(b.CorrectCount)
		partial += float64(b.PartialCount)
		total += float64(b.Total())
		sample += b.Total()
	}

	score := &ProviderScore{SampleSize: sample}
	if total > 0 {
		score.Score = (correct + 0.5*partial) / total
	}
	return score
}
