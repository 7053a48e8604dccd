// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package cost

import (
	"context"
)

// Repository persists the usage ledger.
type Repository interface {
	// InsertUsage appends one record. The ledger is append-only;
	// nothing updates or deletes usage rows.
	InsertUsage(ctx context.Context, record *UsageRecord) error

	// QueryUsage returns matching records ordered by timestamp.
	QueryUsage(ctx context.Context, filter SummaryFilter) ([]UsageRecord, error)
}
