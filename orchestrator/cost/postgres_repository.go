// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package cost

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRepository is the Postgres-backed usage ledger.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres usage repository.
func NewPostgresRepository(db *sql.DB) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	return &PostgresRepository{db: db}, nil
}

// EnsureSchema creates the usage table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS usage_ledger (
			id BIGSERIAL PRIMARY KEY,
			request_id VARCHAR(255),
			timestamp TIMESTAMPTZ NOT NULL,
			tenant_id VARCHAR(255) NOT NULL DEFAULT '',
			model_slug VARCHAR(255) NOT NULL,
			provider_slug VARCHAR(255) NOT NULL,
			task_type VARCHAR(255) NOT NULL DEFAULT '',
			vertical VARCHAR(255) NOT NULL DEFAULT '',
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			was_fallback BOOLEAN NOT NULL DEFAULT FALSE,
			cached BOOLEAN NOT NULL DEFAULT FALSE,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0
		)`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create usage_ledger table: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_usage_ledger_time ON usage_ledger (timestamp)`)
	if err != nil {
		return fmt.Errorf("failed to create usage_ledger index: %w", err)
	}
	return nil
}

// InsertUsage implements Repository.
func (r *PostgresRepository) InsertUsage(ctx context.Context, record *UsageRecord) error {
	if record == nil {
		return fmt.Errorf("usage record is required")
	}

	query := `
		INSERT INTO usage_ledger (
			request_id, timestamp, tenant_id, model_slug, provider_slug,
			task_type, vertical, tokens_in, tokens_out, latency_ms,
			status, was_fallback, cached, cost_usd
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		record.RequestID, record.Timestamp, record.TenantID,
		record.ModelSlug, record.ProviderSlug, record.TaskType, record.Vertical,
		record.TokensIn, record.TokensOut, record.LatencyMs,
		string(record.Status), record.WasFallback, record.Cached, record.CostUSD).
		Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// QueryUsage implements Repository.
func (r *PostgresRepository) QueryUsage(ctx context.Context, filter SummaryFilter) ([]UsageRecord, error) {
	query := `
		SELECT id, request_id, timestamp, tenant_id, model_slug, provider_slug,
			task_type, vertical, tokens_in, tokens_out, latency_ms,
			status, was_fallback, cached, cost_usd
		FROM usage_ledger
		WHERE timestamp >= $1 AND timestamp < $2
			AND ($3 = '' OR tenant_id = $3)
			AND ($4 = '' OR vertical = $4)
		ORDER BY timestamp`

	rows, err := r.db.QueryContext(ctx, query, filter.From, filter.To, filter.TenantID, filter.Vertical)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage ledger: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Timestamp, &rec.TenantID,
			&rec.ModelSlug, &rec.ProviderSlug, &rec.TaskType, &rec.Vertical,
			&rec.TokensIn, &rec.TokensOut, &rec.LatencyMs,
			&status, &rec.WasFallback, &rec.Cached, &rec.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.Status = UsageStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
