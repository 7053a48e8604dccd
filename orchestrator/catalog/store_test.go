// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS providers").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS provider_configurations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS models").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProvider(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO providers").
		WithArgs(
			"clearbit", "Clearbit",
			sqlmock.AnyArg(), sqlmock.AnyArg(),
			60, 5000, 100000,
			0.05, 0.92, 30,
			ProviderStatusActive, true,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	p := &Provider{
		Slug:                  "clearbit",
		DisplayName:           "Clearbit",
		Capabilities:          []Capability{CapabilityCompanyEnrichment},
		RateLimits:            RateLimitDefaults{PerMinute: 60, PerDay: 5000, PerMonth: 100000},
		CostPerRequest:        0.05,
		BaselineAccuracy:      0.92,
		BaselineFreshnessDays: 30,
		Status:                ProviderStatusActive,
		IsGlobal:              true,
	}

	require.NoError(t, store.SaveProvider(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProviderNil(t *testing.T) {
	store := NewPostgresStore(nil)
	assert.Error(t, store.SaveProvider(context.Background(), nil))
}

func TestPostgresStore_GetProviderNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.+) FROM providers").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err = store.GetProvider(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestPostgresStore_GetProvider(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	cols := []string{
		"slug", "display_name", "capabilities", "supported_verticals",
		"limit_per_minute", "limit_per_day", "limit_per_month",
		"cost_per_request", "baseline_accuracy", "baseline_freshness_days",
		"status", "is_global", "created_at", "updated_at",
	}
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM providers").
		WithArgs("apollo").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"apollo", "Apollo",
			pq.StringArray{"contact_enrichment"}, pq.StringArray{"banking"},
			30, 1000, 20000,
			0.03, 0.88, 14,
			"active", false, now, now,
		))

	p, err := store.GetProvider(context.Background(), "apollo")
	require.NoError(t, err)
	assert.Equal(t, "apollo", p.Slug)
	assert.Equal(t, []Capability{CapabilityContactEnrichment}, p.Capabilities)
	assert.Equal(t, []string{"banking"}, p.SupportedVerticals)
	assert.Equal(t, 30, p.RateLimits.PerMinute)
	assert.True(t, p.IsActive())
}

func TestPostgresStore_SetProviderStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec("UPDATE providers SET status").
		WithArgs("missing", ProviderStatusDisabled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.SetProviderStatus(context.Background(), "missing", ProviderStatusDisabled)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestPostgresStore_SaveConfiguration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO provider_configurations").
		WithArgs("apollo", "tenant-1", sqlmock.AnyArg(), sqlmock.AnyArg(), 5, true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	cfg := &ProviderConfiguration{
		ProviderSlug: "apollo",
		TenantID:     "tenant-1",
		Credentials:  []byte("opaque"),
		RateLimits:   &RateLimitDefaults{PerMinute: 10},
		Priority:     5,
		Enabled:      true,
	}

	require.NoError(t, store.SaveConfiguration(context.Background(), cfg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetConfigurationMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.+) FROM provider_configurations").
		WithArgs("apollo", "tenant-1").
		WillReturnRows(sqlmock.NewRows(nil))

	cfg, err := store.GetConfiguration(context.Background(), "apollo", "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, cfg, "missing configuration is not an error")
}
