// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package journey persists multi-step workflow state with
// checkpointing and a pause/resume/abort lifecycle. A journey wraps a
// sequence of provider invocations; the state machine lives in the
// shared store so concurrent processes cannot race a terminal journey
// back to life.
package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"leadrelay/platform/shared/logger"
)

// Status is a journey lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// CanTransition reports whether from -> to is a legal state change.
// Completed and aborted are absorbing.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusPaused || to == StatusCompleted || to == StatusAborted
	case StatusPaused:
		return to == StatusActive || to == StatusAborted
	default:
		return false
	}
}

// Message is one turn of the journey's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Checkpoint is the resume snapshot taken on every step update and on
// pause.
type Checkpoint struct {
	Step          string                 `json:"step"`
	Timestamp     time.Time              `json:"timestamp"`
	State         map[string]interface{} `json:"state,omitempty"`
	HistoryLength int                    `json:"history_length,omitempty"`
}

// Journey is one checkpointed multi-step workflow.
type Journey struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	TaskType    string                 `json:"task_type,omitempty"`
	CurrentStep string                 `json:"current_step"`
	Status      Status                 `json:"status"`
	StateData   map[string]interface{} `json:"state_data,omitempty"`
	History     []Message              `json:"history,omitempty"`
	Checkpoint  *Checkpoint            `json:"resume_checkpoint,omitempty"`

	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	PauseReason string `json:"pause_reason,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`

	// IsResumable is false once the journey reaches a terminal state or
	// is aborted with cleanup; a paused journey may also be marked
	// non-resumable by an operator.
	IsResumable bool `json:"is_resumable"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Journey error codes.
const (
	ErrJourneyNotFound   = "JOURNEY_NOT_FOUND"
	ErrJourneyInvalid    = "JOURNEY_INVALID"
	ErrNotResumable      = "JOURNEY_NOT_RESUMABLE"
	ErrIllegalTransition = "ILLEGAL_TRANSITION"
	ErrJourneyStorage    = "JOURNEY_STORAGE"
)

// Error reports a journey operation failure. Illegal transitions name
// the journey's current status so callers can tell a race from a bug.
type Error struct {
	JourneyID string
	Code      string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.JourneyID != "" {
		return fmt.Sprintf("%s: journey %s: %s", e.Code, e.JourneyID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsNotResumable reports whether err is a resume attempt on a
// non-resumable journey.
func IsNotResumable(err error) bool {
	jerr, ok := err.(*Error)
	return ok && jerr.Code == ErrNotResumable
}

// Store is the persistence surface. Every transition method applies
// its legality guard inside the store (status predicates on the
// UPDATE), returns the updated journey, or nil with no error when the
// guard did not match; Get returns nil for a missing journey.
type Store interface {
	Insert(ctx context.Context, j *Journey) error
	Get(ctx context.Context, id string) (*Journey, error)
	UpdateStep(ctx context.Context, id, step string, partial map[string]interface{}, now time.Time) (*Journey, error)
	Pause(ctx context.Context, id, reason string, now time.Time) (*Journey, error)
	Resume(ctx context.Context, id, overrideStep string, fromCheckpoint bool, now time.Time) (*Journey, error)
	Abort(ctx context.Context, id, reason string, cleanup bool, now time.Time) (*Journey, error)
	Complete(ctx context.Context, id string, finalState map[string]interface{}, now time.Time) (*Journey, error)
	AddUsage(ctx context.Context, id string, tokens int64, costUSD float64, now time.Time) (*Journey, error)
	AppendMessage(ctx context.Context, id string, msg Message, now time.Time) (*Journey, error)
	AbortStale(ctx context.Context, idleBefore time.Time, reason string, now time.Time) (int64, error)
}

// StartRequest describes a new journey.
type StartRequest struct {
	TenantID     string
	TaskType     string
	InitialStep  string
	InitialState map[string]interface{}
}

// ResumeOptions selects the resume point. OverrideStep wins when set;
// otherwise FromCheckpoint restores the checkpointed step; otherwise
// the journey continues from its current step.
type ResumeOptions struct {
	FromCheckpoint bool
	OverrideStep   string
}

// Manager drives the journey lifecycle over a Store.
type Manager struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

// NewManager creates a journey manager.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		logger: logger.New("journey"),
		now:    time.Now,
	}
}

// Start creates a new active journey.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Journey, error) {
	if req.InitialStep == "" {
		return nil, &Error{Code: ErrJourneyInvalid, Message: "initial step is required"}
	}

	now := m.now()
	j := &Journey{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		TaskType:    req.TaskType,
		CurrentStep: req.InitialStep,
		Status:      StatusActive,
		StateData:   req.InitialState,
		IsResumable: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.StateData == nil {
		j.StateData = map[string]interface{}{}
	}

	if err := m.store.Insert(ctx, j); err != nil {
		return nil, &Error{JourneyID: j.ID, Code: ErrJourneyStorage, Message: "failed to create journey", Cause: err}
	}

	m.logger.Info(req.TenantID, "", "Journey started", map[string]interface{}{
		"journey_id": j.ID,
		"task_type":  req.TaskType,
		"step":       req.InitialStep,
	})
	return j, nil
}

// Get fetches a journey.
func (m *Manager) Get(ctx context.Context, id string) (*Journey, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to load journey", Cause: err}
	}
	if j == nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyNotFound, Message: "journey not found"}
	}
	return j, nil
}

// UpdateStep advances an active journey: the partial state merges into
// the state data and the checkpoint snapshots the post-merge state.
func (m *Manager) UpdateStep(ctx context.Context, id, step string, partial map[string]interface{}) (*Journey, error) {
	if step == "" {
		return nil, &Error{JourneyID: id, Code: ErrJourneyInvalid, Message: "step is required"}
	}

	j, err := m.store.UpdateStep(ctx, id, step, partial, m.now())
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to update step", Cause: err}
	}
	if j == nil {
		return nil, m.transitionFailure(ctx, id, "update step")
	}
	return j, nil
}

// Pause suspends an active journey, checkpointing the current step,
// state, and history length.
func (m *Manager) Pause(ctx context.Context, id, reason string) (*Journey, error) {
	j, err := m.store.Pause(ctx, id, reason, m.now())
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to pause journey", Cause: err}
	}
	if j == nil {
		return nil, m.transitionFailure(ctx, id, "pause")
	}

	m.logger.Info(j.TenantID, "", "Journey paused", map[string]interface{}{
		"journey_id": id,
		"reason":     reason,
	})
	return j, nil
}

// Resume reactivates a paused, resumable journey.
func (m *Manager) Resume(ctx context.Context, id string, opts ResumeOptions) (*Journey, error) {
	j, err := m.store.Resume(ctx, id, opts.OverrideStep, opts.FromCheckpoint, m.now())
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to resume journey", Cause: err}
	}
	if j == nil {
		return nil, m.resumeFailure(ctx, id)
	}

	m.logger.Info(j.TenantID, "", "Journey resumed", map[string]interface{}{
		"journey_id": id,
		"step":       j.CurrentStep,
	})
	return j, nil
}

// Abort terminates a journey from any non-terminal state. With cleanup
// the state data, history, and checkpoint are purged irreversibly.
func (m *Manager) Abort(ctx context.Context, id, reason string, cleanup bool) (*Journey, error) {
	j, err := m.store.Abort(ctx, id, reason, cleanup, m.now())
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to abort journey", Cause: err}
	}
	if j == nil {
		return nil, m.transitionFailure(ctx, id, "abort")
	}

	m.logger.Warn(j.TenantID, "", "Journey aborted", map[string]interface{}{
		"journey_id": id,
		"reason":     reason,
		"cleanup":    cleanup,
	})
	return j, nil
}

// Complete finishes an active journey, merging the final state.
func (m *Manager) Complete(ctx context.Context, id string, finalState map[string]interface{}) (*Journey, error) {
	j, err := m.store.Complete(ctx, id, finalState, m.now())
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to complete journey", Cause: err}
	}
	if j == nil {
		return nil, m.transitionFailure(ctx, id, "complete")
	}

	m.logger.Info(j.TenantID, "", "Journey completed", map[string]interface{}{
		"journey_id":   id,
		"total_tokens": j.TotalTokens,
		"total_cost":   j.TotalCostUSD,
	})
	return j, nil
}

// AddUsage accumulates token and cost totals. Legal in any
// non-terminal state.
func (m *Manager) AddUsage(ctx context.Context, id string, tokens int64, costUSD float64) (*Journey, error) {
	j, err := m.store.AddUsage(ctx, id, tokens, costUSD, m.now())
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to add usage", Cause: err}
	}
	if j == nil {
		return nil, m.transitionFailure(ctx, id, "add usage")
	}
	return j, nil
}

// AppendMessage appends one turn to the conversation history. Legal in
// any non-terminal state.
func (m *Manager) AppendMessage(ctx context.Context, id string, msg Message) (*Journey, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	j, err := m.store.AppendMessage(ctx, id, msg, m.now())
	if err != nil {
		return nil, &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to append message", Cause: err}
	}
	if j == nil {
		return nil, m.transitionFailure(ctx, id, "append message")
	}
	return j, nil
}

// ForceAbortStale aborts every active journey idle for longer than
// maxAge. It is the liveness backstop for journeys orphaned by crashed
// callers, returning the number aborted.
func (m *Manager) ForceAbortStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := m.now()
	reason := fmt.Sprintf("force-aborted after %s idle", maxAge)
	n, err := m.store.AbortStale(ctx, now.Add(-maxAge), reason, now)
	if err != nil {
		return 0, &Error{Code: ErrJourneyStorage, Message: "failed to abort stale journeys", Cause: err}
	}
	if n > 0 {
		m.logger.Warn("", "", "Stale journeys aborted", map[string]interface{}{
			"count":   n,
			"max_age": maxAge.String(),
		})
	}
	return n, nil
}

// StartStaleSweep runs ForceAbortStale on a ticker until the context
// is cancelled.
func (m *Manager) StartStaleSweep(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.ForceAbortStale(ctx, maxAge); err != nil {
					m.logger.ErrorWithErr("", "", "Stale journey sweep failed", err, nil)
				}
			}
		}
	}()
}

// transitionFailure explains a guarded update that matched no row:
// either the journey is gone or it is in a state the operation does
// not accept.
func (m *Manager) transitionFailure(ctx context.Context, id, op string) error {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to load journey", Cause: err}
	}
	if cur == nil {
		return &Error{JourneyID: id, Code: ErrJourneyNotFound, Message: "journey not found"}
	}
	return &Error{
		JourneyID: id,
		Code:      ErrIllegalTransition,
		Message:   fmt.Sprintf("cannot %s a journey in status %q", op, cur.Status),
	}
}

// resumeFailure distinguishes "not resumable" from plain illegal
// transitions, since callers branch on it.
func (m *Manager) resumeFailure(ctx context.Context, id string) error {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return &Error{JourneyID: id, Code: ErrJourneyStorage, Message: "failed to load journey", Cause: err}
	}
	if cur == nil {
		return &Error{JourneyID: id, Code: ErrJourneyNotFound, Message: "journey not found"}
	}
	if !cur.IsResumable {
		return &Error{JourneyID: id, Code: ErrNotResumable, Message: "journey is not resumable"}
	}
	return &Error{
		JourneyID: id,
		Code:      ErrIllegalTransition,
		Message:   fmt.Sprintf("cannot resume a journey in status %q", cur.Status),
	}
}
