// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists the check log and per-provider snapshot in
// PostgreSQL. RecordCheck runs both writes in one transaction so the
// snapshot can never drift from the log.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed health store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the health tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS health_checks (
			id BIGSERIAL PRIMARY KEY,
			provider_slug VARCHAR(255) NOT NULL,
			checked_at TIMESTAMPTZ NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_checks_provider_time
			ON health_checks (provider_slug, checked_at)`,
		`CREATE TABLE IF NOT EXISTS provider_health (
			provider_slug VARCHAR(255) PRIMARY KEY,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_checked TIMESTAMPTZ NOT NULL,
			last_success TIMESTAMPTZ
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create health schema: %w", err)
		}
	}
	return nil
}

// RecordCheck implements Store. The snapshot upsert resets the failure
// streak on success and increments it on failure, in the database, so
// concurrent checkers serialize on the row.
func (s *PostgresStore) RecordCheck(ctx context.Context, result *CheckResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin health transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO health_checks (provider_slug, checked_at, success, latency_ms, error_message)
		VALUES ($1, $2, $3, $4, $5)`,
		result.ProviderSlug, result.CheckedAt, result.Success, result.LatencyMs,
		nullable(result.ErrorMessage))
	if err != nil {
		return fmt.Errorf("failed to append health check: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO provider_health (provider_slug, consecutive_failures, last_checked, last_success)
		VALUES ($1, CASE WHEN $2 THEN 0 ELSE 1 END, $3, CASE WHEN $2 THEN $3 ELSE NULL END)
		ON CONFLICT (provider_slug) DO UPDATE SET
			consecutive_failures = CASE WHEN $2 THEN 0 ELSE provider_health.consecutive_failures + 1 END,
			last_checked = $3,
			last_success = CASE WHEN $2 THEN $3 ELSE provider_health.last_success END`,
		result.ProviderSlug, result.Success, result.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to update health snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit health transaction: %w", err)
	}
	return nil
}

// GetSnapshot implements Store. Missing snapshots return nil, nil.
func (s *PostgresStore) GetSnapshot(ctx context.Context, providerSlug string) (*Snapshot, error) {
	snap := &Snapshot{ProviderSlug: providerSlug}
	var lastSuccess sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT consecutive_failures, last_checked, last_success
		FROM provider_health WHERE provider_slug = $1`, providerSlug).
		Scan(&snap.ConsecutiveFailures, &snap.LastChecked, &lastSuccess)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read health snapshot: %w", err)
	}
	if lastSuccess.Valid {
		snap.LastSuccess = lastSuccess.Time
	}
	return snap, nil
}

// WindowStats implements Store.
func (s *PostgresStore) WindowStats(ctx context.Context, providerSlug string, since time.Time) (*WindowStats, error) {
	stats := &WindowStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE success), COALESCE(AVG(latency_ms), 0)
		FROM health_checks
		WHERE provider_slug = $1 AND checked_at >= $2`, providerSlug, since).
		Scan(&stats.Total, &stats.Successes, &stats.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("failed to read health window: %w", err)
	}
	return stats, nil
}

// ListProviders implements Store.
func (s *PostgresStore) ListProviders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_slug FROM provider_health ORDER BY provider_slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored providers: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan provider slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// PurgeOlderThan trims the append-only log; the snapshot table is
// untouched. Intended for a retention sweeper.
func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_checks WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge health checks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
