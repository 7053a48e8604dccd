// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists admission windows in PostgreSQL. The unique
// key (provider_slug, tenant_id, window_type, window_start) plus an
// ON CONFLICT increment makes counting safe across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed window store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the windows table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS rate_limit_windows (
			id BIGSERIAL PRIMARY KEY,
			provider_slug VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(255) NOT NULL DEFAULT '',
			window_type VARCHAR(16) NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			limit_value INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (provider_slug, tenant_id, window_type, window_start)
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create rate_limit_windows table: %w", err)
	}
	return nil
}

// IncrementWindow implements Store. The increment happens entirely in
// the database so concurrent writers from any process are serialized
// by the row lock, never lost.
func (s *PostgresStore) IncrementWindow(ctx context.Context, key Key, success bool, limit int) error {
	successInc, errorInc := 0, 0
	if success {
		successInc = 1
	} else {
		errorInc = 1
	}

	query := `
		INSERT INTO rate_limit_windows (
			provider_slug, tenant_id, window_type, window_start,
			request_count, success_count, error_count, limit_value, updated_at
		) VALUES ($1, $2, $3, $4, 1, $5, $6, $7, NOW())
		ON CONFLICT (provider_slug, tenant_id, window_type, window_start)
		DO UPDATE SET
			request_count = rate_limit_windows.request_count + 1,
			success_count = rate_limit_windows.success_count + $5,
			error_count = rate_limit_windows.error_count + $6,
			limit_value = $7,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query,
		key.ProviderSlug, key.TenantID, string(key.Type), key.WindowStart,
		successInc, errorInc, limit)
	if err != nil {
		return fmt.Errorf("failed to increment window: %w", err)
	}
	return nil
}

// GetWindow implements Store.
func (s *PostgresStore) GetWindow(ctx context.Context, key Key) (*Window, error) {
	query := `
		SELECT request_count, success_count, error_count, limit_value
		FROM rate_limit_windows
		WHERE provider_slug = $1 AND tenant_id = $2 AND window_type = $3 AND window_start = $4`

	w := &Window{
		ProviderSlug: key.ProviderSlug,
		TenantID:     key.TenantID,
		Type:         key.Type,
		WindowStart:  key.WindowStart,
	}
	err := s.db.QueryRowContext(ctx, query,
		key.ProviderSlug, key.TenantID, string(key.Type), key.WindowStart).
		Scan(&w.RequestCount, &w.SuccessCount, &w.ErrorCount, &w.LimitValue)
	if err == sql.ErrNoRows {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read window: %w", err)
	}
	return w, nil
}

// PurgeExpired deletes windows whose retention has lapsed. Intended to
// run from a periodic sweeper, not the request path.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM rate_limit_windows
		WHERE (window_type = 'minute' AND window_start < $1)
		   OR (window_type = 'day' AND window_start < $2)
		   OR (window_type = 'month' AND window_start < $3)`

	res, err := s.db.ExecContext(ctx, query,
		now.Add(-WindowMinute.TTL()),
		now.Add(-WindowDay.TTL()),
		now.Add(-WindowMonth.TTL()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
