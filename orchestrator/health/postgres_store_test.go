// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreRequiresDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func TestPostgresStoreRecordCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	at := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO health_checks").
		WithArgs("clearbit", at, false, int64(1200), "connection refused").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO provider_health").
		WithArgs("clearbit", false, at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = store.RecordCheck(context.Background(), &CheckResult{
		ProviderSlug: "clearbit",
		CheckedAt:    at,
		Success:      false,
		LatencyMs:    1200,
		ErrorMessage: "connection refused",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRecordCheckRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO health_checks").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = store.RecordCheck(context.Background(), &CheckResult{
		ProviderSlug: "clearbit",
		CheckedAt:    time.Now(),
		Success:      true,
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreWindowStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("clearbit", since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "successes", "avg_latency"}).AddRow(120, 118, 342.5))

	stats, err := store.WindowStats(context.Background(), "clearbit", since)
	require.NoError(t, err)
	assert.Equal(t, 120, stats.Total)
	assert.Equal(t, 118, stats.Successes)
	assert.Equal(t, 342.5, stats.AvgLatencyMs)
}

func TestPostgresStoreGetSnapshotMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT consecutive_failures, last_checked, last_success").
		WithArgs("never-seen").
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "last_checked", "last_success"}))

	snap, err := store.GetSnapshot(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPostgresStoreListProviders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT provider_slug FROM provider_health").
		WillReturnRows(sqlmock.NewRows([]string{"provider_slug"}).
			AddRow("apollo").AddRow("clearbit"))

	slugs, err := store.ListProviders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"apollo", "clearbit"}, slugs)
}
