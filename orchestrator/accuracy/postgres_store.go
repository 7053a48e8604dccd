// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package accuracy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists accuracy buckets in PostgreSQL. Validation
// feedback increments exactly one outcome counter on the daily bucket
// row via ON CONFLICT, so concurrent feedback streams are safe.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed accuracy store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the accuracy table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS accuracy_buckets (
			id BIGSERIAL PRIMARY KEY,
			provider_slug VARCHAR(255) NOT NULL,
			field VARCHAR(255) NOT NULL,
			vertical VARCHAR(255) NOT NULL DEFAULT '',
			day DATE NOT NULL,
			correct_count INTEGER NOT NULL DEFAULT 0,
			partial_count INTEGER NOT NULL DEFAULT 0,
			incorrect_count INTEGER NOT NULL DEFAULT 0,
			missing_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (provider_slug, field, vertical, day)
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create accuracy_buckets table: %w", err)
	}
	return nil
}

// RecordValidation implements Store.
func (s *PostgresStore) RecordValidation(ctx context.Context, v *Validation) error {
	day := v.ObservedAt.UTC().Truncate(24 * time.Hour)

	correct, partial, incorrect, missing := 0, 0, 0, 0
	switch v.Outcome {
	case OutcomeCorrect:
		correct = 1
	case OutcomePartial:
		partial = 1
	case OutcomeIncorrect:
		incorrect = 1
	case OutcomeMissing:
		missing = 1
	default:
		return fmt.Errorf("unknown validation outcome %q", v.Outcome)
	}

	query := `
		INSERT INTO accuracy_buckets (
			provider_slug, field, vertical, day,
			correct_count, partial_count, incorrect_count, missing_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (provider_slug, field, vertical, day)
		DO UPDATE SET
			correct_count = accuracy_buckets.correct_count + $5,
			partial_count = accuracy_buckets.partial_count + $6,
			incorrect_count = accuracy_buckets.incorrect_count + $7,
			missing_count = accuracy_buckets.missing_count + $8,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query,
		v.ProviderSlug, v.Field, v.Vertical, day,
		correct, partial, incorrect, missing)
	if err != nil {
		return fmt.Errorf("failed to record validation: %w", err)
	}
	return nil
}

// Buckets implements Store. An empty vertical matches all verticals.
func (s *PostgresStore) Buckets(ctx context.Context, providerSlug, vertical string, since time.Time) ([]Bucket, error) {
	query := `
		SELECT provider_slug, field, vertical, day,
			correct_count, partial_count, incorrect_count, missing_count
		FROM accuracy_buckets
		WHERE provider_slug = $1 AND day >= $2 AND ($3 = '' OR vertical = $3)
		ORDER BY day`

	rows, err := s.db.QueryContext(ctx, query, providerSlug, since.UTC().Truncate(24*time.Hour), vertical)
	if err != nil {
		return nil, fmt.Errorf("failed to query accuracy buckets: %w", err)
	}
	defer rows.Close()
	return scanBuckets(rows)
}

// FieldBuckets implements Store.
func (s *PostgresStore) FieldBuckets(ctx context.Context, providerSlug, field, vertical string, since time.Time) ([]Bucket, error) {
	query := `
		SELECT provider_slug, field, vertical, day,
			correct_count, partial_count, incorrect_count, missing_count
		FROM accuracy_buckets
		WHERE provider_slug = $1 AND field = $2 AND day >= $3 AND ($4 = '' OR vertical = $4)
		ORDER BY day`

	rows, err := s.db.QueryContext(ctx, query, providerSlug, field, since.UTC().Truncate(24*time.Hour), vertical)
	if err != nil {
		return nil, fmt.Errorf("failed to query field accuracy buckets: %w", err)
	}
	defer rows.Close()
	return scanBuckets(rows)
}

func scanBuckets(rows *sql.Rows) ([]Bucket, error) {
	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.ProviderSlug, &b.Field, &b.Vertical, &b.Day,
			&b.CorrectCount, &b.PartialCount, &b.IncorrectCount, &b.MissingCount); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
