// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package cost

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepositoryRequiresDB(t *testing.T) {
	_, err := NewPostgresRepository(nil)
	assert.Error(t, err)
}

func TestPostgresRepositoryInsertUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo, err := NewPostgresRepository(db)
	require.NoError(t, err)

	at := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO usage_ledger").
		WithArgs("req-1", at, "tenant-1", "gpt-4o", "openai",
			"outreach_generation", "saas", 1000, 500, int64(820),
			"success", false, false, 0.0075).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	record := &UsageRecord{
		RequestID:    "req-1",
		Timestamp:    at,
		TenantID:     "tenant-1",
		ModelSlug:    "gpt-4o",
		ProviderSlug: "openai",
		TaskType:     "outreach_generation",
		Vertical:     "saas",
		TokensIn:     1000,
		TokensOut:    500,
		LatencyMs:    820,
		Status:       UsageStatusSuccess,
		CostUSD:      0.0075,
	}
	require.NoError(t, repo.InsertUsage(context.Background(), record))
	assert.Equal(t, int64(7), record.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositoryInsertNil(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo, err := NewPostgresRepository(db)
	require.NoError(t, err)
	assert.Error(t, repo.InsertUsage(context.Background(), nil))
}

func TestPostgresRepositoryQueryUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo, err := NewPostgresRepository(db)
	require.NoError(t, err)

	from := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(30 * 24 * time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "request_id", "timestamp", "tenant_id", "model_slug", "provider_slug",
		"task_type", "vertical", "tokens_in", "tokens_out", "latency_ms",
		"status", "was_fallback", "cached", "cost_usd",
	}).AddRow(int64(1), "req-1", from.Add(time.Hour), "tenant-1", "gpt-4o", "openai",
		"outreach_generation", "saas", 1000, 500, int64(820), "success", false, false, 0.0075)

	mock.ExpectQuery("SELECT id, request_id, timestamp").
		WithArgs(from, to, "tenant-1", "").
		WillReturnRows(rows)

	records, err := repo.QueryUsage(context.Background(), SummaryFilter{
		From: from, To: to, TenantID: "tenant-1",
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, UsageStatusSuccess, records[0].Status)
	assert.Equal(t, "gpt-4o", records[0].ModelSlug)
}
