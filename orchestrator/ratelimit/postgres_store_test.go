// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package ratelimit

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

func TestPostgresStoreIncrementWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	start := WindowMinute.Truncate(time.Date(2025, time.March, 15, 14, 32, 47, 0, time.UTC))
	key := Key{ProviderSlug: "clearbit", TenantID: "tenant-1", Type: WindowMinute, WindowStart: start}

	mock.ExpectExec("INSERT INTO rate_limit_windows").
		WithArgs("clearbit", "tenant-1", "minute", start, 1, 0, 60).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.IncrementWindow(context.Background(), key, true, 60))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreIncrementWindowFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	start := WindowDay.Truncate(time.Now())
	key := Key{ProviderSlug: "apollo", Type: WindowDay, WindowStart: start}

	mock.ExpectExec("INSERT INTO rate_limit_windows").
		WithArgs("apollo", "", "day", start, 0, 1, 1000).
		WillReturnError(assert.AnError)

	err = store.IncrementWindow(context.Background(), key, false, 1000)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to increment window")
}

func TestPostgresStoreGetWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	start := WindowMinute.Truncate(time.Now())
	key := Key{ProviderSlug: "clearbit", TenantID: "tenant-1", Type: WindowMinute, WindowStart: start}

	rows := sqlmock.NewRows([]string{"request_count", "success_count", "error_count", "limit_value"}).
		AddRow(42, 40, 2, 60)
	mock.ExpectQuery("SELECT request_count, success_count, error_count, limit_value").
		WithArgs("clearbit", "tenant-1", "minute", start).
		WillReturnRows(rows)

	w, err := store.GetWindow(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 42, w.RequestCount)
	assert.Equal(t, 40, w.SuccessCount)
	assert.Equal(t, 2, w.ErrorCount)
	assert.Equal(t, 60, w.LimitValue)
	assert.Equal(t, "clearbit", w.ProviderSlug)
}

func TestPostgresStoreGetWindowMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	start := WindowMonth.Truncate(time.Now())
	key := Key{ProviderSlug: "clearbit", Type: WindowMonth, WindowStart: start}

	mock.ExpectQuery("SELECT request_count, success_count, error_count, limit_value").
		WithArgs("clearbit", "", "month", start).
		WillReturnRows(sqlmock.NewRows([]string{"request_count", "success_count", "error_count", "limit_value"}))

	w, err := store.GetWindow(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 0, w.RequestCount, "missing window reads as empty, not as an error")
}

func TestPostgresStorePurgeExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM rate_limit_windows").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.PurgeExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
