// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package journey

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists journeys. Every transition is a single
// guarded UPDATE whose WHERE clause encodes the legal source states,
// so two processes racing the same journey cannot both win an illegal
// transition; the loser simply matches no row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a journey store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the journeys table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS journeys (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL DEFAULT '',
			task_type VARCHAR(255) NOT NULL DEFAULT '',
			current_step VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			state_data JSONB NOT NULL DEFAULT '{}',
			conversation_history JSONB NOT NULL DEFAULT '[]',
			resume_checkpoint JSONB,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			pause_reason TEXT NOT NULL DEFAULT '',
			abort_reason TEXT NOT NULL DEFAULT '',
			is_resumable BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_journeys_status_updated
			ON journeys (status, updated_at)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create journeys table: %w", err)
	}
	return nil
}

const journeyColumns = `id, tenant_id, task_type, current_step, status,
		state_data, conversation_history, resume_checkpoint,
		total_tokens, total_cost_usd, pause_reason, abort_reason,
		is_resumable, created_at, updated_at`

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, j *Journey) error {
	stateData, err := json.Marshal(j.StateData)
	if err != nil {
		return fmt.Errorf("failed to encode state data: %w", err)
	}
	history, err := json.Marshal(historyOrEmpty(j.History))
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	query := `
		INSERT INTO journeys (
			id, tenant_id, task_type, current_step, status,
			state_data, conversation_history,
			total_tokens, total_cost_usd, is_resumable,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.db.ExecContext(ctx, query,
		j.ID, j.TenantID, j.TaskType, j.CurrentStep, string(j.Status),
		stateData, history,
		j.TotalTokens, j.TotalCostUSD, j.IsResumable,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert journey: %w", err)
	}
	return nil
}

// Get implements Store; a missing journey is nil, nil.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Journey, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys WHERE id = $1`
	j, err := s.scanJourney(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load journey: %w", err)
	}
	return j, nil
}

// UpdateStep implements Store. The partial state merges into the
// stored state and the checkpoint snapshots the post-merge state, all
// inside one statement.
func (s *PostgresStore) UpdateStep(ctx context.Context, id, step string, partial map[string]interface{}, now time.Time) (*Journey, error) {
	if partial == nil {
		partial = map[string]interface{}{}
	}
	data, err := json.Marshal(partial)
	if err != nil {
		return nil, fmt.Errorf("failed to encode partial state: %w", err)
	}

	query := `
		UPDATE journeys SET
			current_step = $2,
			state_data = state_data || $3::jsonb,
			resume_checkpoint = jsonb_build_object(
				'step', $2::text,
				'timestamp', to_jsonb($4::timestamptz),
				'state', state_data || $3::jsonb,
				'history_length', jsonb_array_length(conversation_history)),
			updated_at = $4
		WHERE id = $1 AND status = 'active'
		RETURNING ` + journeyColumns
	return s.returningJourney(s.db.QueryRowContext(ctx, query, id, step, data, now), "update step")
}

// Pause implements Store.
func (s *PostgresStore) Pause(ctx context.Context, id, reason string, now time.Time) (*Journey, error) {
	query := `
		UPDATE journeys SET
			status = 'paused',
			pause_reason = $2,
			resume_checkpoint = jsonb_build_object(
				'step', current_step,
				'timestamp', to_jsonb($3::timestamptz),
				'state', state_data,
				'history_length', jsonb_array_length(conversation_history)),
			updated_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING ` + journeyColumns
	return s.returningJourney(s.db.QueryRowContext(ctx, query, id, reason, now), "pause")
}

// Resume implements Store. The resume point resolves in the statement:
// the override step when given, else the checkpointed step when
// requested, else the current step.
func (s *PostgresStore) Resume(ctx context.Context, id, overrideStep string, fromCheckpoint bool, now time.Time) (*Journey, error) {
	query := `
		UPDATE journeys SET
			status = 'active',
			current_step = COALESCE(
				NULLIF($2, ''),
				CASE WHEN $3 THEN resume_checkpoint->>'step' END,
				current_step),
			pause_reason = '',
			updated_at = $4
		WHERE id = $1 AND status = 'paused' AND is_resumable
		RETURNING ` + journeyColumns
	return s.returningJourney(s.db.QueryRowContext(ctx, query, id, overrideStep, fromCheckpoint, now), "resume")
}

// Abort implements Store. Cleanup purges state, history, and the
// checkpoint in the same statement; there is no way back.
func (s *PostgresStore) Abort(ctx context.Context, id, reason string, cleanup bool, now time.Time) (*Journey, error) {
	query := `
		UPDATE journeys SET
			status = 'aborted',
			abort_reason = $2,
			is_resumable = FALSE,
			state_data = CASE WHEN $3 THEN '{}'::jsonb ELSE state_data END,
			conversation_history = CASE WHEN $3 THEN '[]'::jsonb ELSE conversation_history END,
			resume_checkpoint = CASE WHEN $3 THEN NULL ELSE resume_checkpoint END,
			updated_at = $4
		WHERE id = $1 AND status IN ('active', 'paused')
		RETURNING ` + journeyColumns
	return s.returningJourney(s.db.QueryRowContext(ctx, query, id, reason, cleanup, now), "abort")
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, id string, finalState map[string]interface{}, now time.Time) (*Journey, error) {
	if finalState == nil {
		finalState = map[string]interface{}{}
	}
	data, err := json.Marshal(finalState)
	if err != nil {
		return nil, fmt.Errorf("failed to encode final state: %w", err)
	}

	query := `
		UPDATE journeys SET
			status = 'completed',
			state_data = state_data || $2::jsonb,
			is_resumable = FALSE,
			updated_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING ` + journeyColumns
	return s.returningJourney(s.db.QueryRowContext(ctx, query, id, data, now), "complete")
}

// AddUsage implements Store. The accumulation is a store-side
// increment, so concurrent attempts never lose updates.
func (s *PostgresStore) AddUsage(ctx context.Context, id string, tokens int64, costUSD float64, now time.Time) (*Journey, error) {
	query := `
		UPDATE journeys SET
			total_tokens = total_tokens + $2,
			total_cost_usd = total_cost_usd + $3,
			updated_at = $4
		WHERE id = $1 AND status IN ('active', 'paused')
		RETURNING ` + journeyColumns
	return s.returningJourney(s.db.QueryRowContext(ctx, query, id, tokens, costUSD, now), "add usage")
}

// AppendMessage implements Store.
func (s *PostgresStore) AppendMessage(ctx context.Context, id string, msg Message, now time.Time) (*Journey, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	query := `
		UPDATE journeys SET
			conversation_history = conversation_history || $2::jsonb,
			updated_at = $3
		WHERE id = $1 AND status IN ('active', 'paused')
		RETURNING ` + journeyColumns
	return s.returningJourney(s.db.QueryRowContext(ctx, query, id, data, now), "append message")
}

// AbortStale implements Store.
func (s *PostgresStore) AbortStale(ctx context.Context, idleBefore time.Time, reason string, now time.Time) (int64, error) {
	query := `
		UPDATE journeys SET
			status = 'aborted',
			abort_reason = $2,
			is_resumable = FALSE,
			updated_at = $3
		WHERE status = 'active' AND updated_at < $1`
	res, err := s.db.ExecContext(ctx, query, idleBefore, reason, now)
	if err != nil {
		return 0, fmt.Errorf("failed to abort stale journeys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) returningJourney(row *sql.Row, op string) (*Journey, error) {
	j, err := s.scanJourney(row)
	if err == sql.ErrNoRows {
		// Guard did not match; the manager resolves why.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return j, nil
}

func (s *PostgresStore) scanJourney(row *sql.Row) (*Journey, error) {
	j := &Journey{}
	var status string
	var stateData, history []byte
	var checkpoint []byte

	err := row.Scan(
		&j.ID, &j.TenantID, &j.TaskType, &j.CurrentStep, &status,
		&stateData, &history, &checkpoint,
		&j.TotalTokens, &j.TotalCostUSD, &j.PauseReason, &j.AbortReason,
		&j.IsResumable, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)

	if err := json.Unmarshal(stateData, &j.StateData); err != nil {
		return nil, fmt.Errorf("failed to decode state data: %w", err)
	}
	if err := json.Unmarshal(history, &j.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if len(checkpoint) > 0 {
		j.Checkpoint = &Checkpoint{}
		if err := json.Unmarshal(checkpoint, j.Checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	}
	return j, nil
}

func historyOrEmpty(history []Message) []Message {
	if history == nil {
		return []Message{}
	}
	return history
}

var _ Store = (*PostgresStore)(nil)
