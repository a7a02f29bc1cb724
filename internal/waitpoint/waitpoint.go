// Copyright 2025 The trigger-dev Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package waitpoint manages completion tokens runs block on. A run-type
// waitpoint completes when its owning run finishes, a datetime waitpoint
// completes when its timer fires, and a manual waitpoint completes on an
// explicit API call. Completion is one-way: a COMPLETED waitpoint is
// never reopened.
package waitpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/workerq"
)

// JobTypeDateTime is the workerq job type for datetime waitpoint timers.
const JobTypeDateTime = "waitpointCompleteDateTime"

// dateTimePayload identifies the waitpoint a timer completes.
type dateTimePayload struct {
	WaitpointID string `json:"waitpointId"`
}

// RunContinuer resumes runs that are no longer blocked. Implemented by
// the engine; injected to avoid a dependency cycle.
type RunContinuer interface {
	// ContinueRunsAfterWaitpoint is called outside any store
	// transaction with the runs whose last blocker just completed.
	ContinueRunsAfterWaitpoint(ctx context.Context, runIDs []string, completedWaitpointID string) error
}

// NewWaitpointID mints a waitpoint id.
func NewWaitpointID() string {
	return "wp_" + uuid.NewString()
}

// DateTimeJobID returns the deterministic timer job id for a datetime
// waitpoint.
func DateTimeJobID(waitpointID string) string {
	return JobTypeDateTime + "." + waitpointID
}

// Manager creates, blocks on and completes waitpoints.
type Manager struct {
	store     store.Store
	worker    *workerq.Worker
	logger    *slog.Logger
	clock     func() time.Time
	continuer RunContinuer
}

// NewManager creates a waitpoint manager. The continuer is attached
// later with SetContinuer, after the engine is constructed.
func NewManager(st store.Store, worker *workerq.Worker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, worker: worker, logger: logger, clock: time.Now}
}

// WithClock replaces the time source. Tests only.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// SetContinuer attaches the run continuer called after completions.
func (m *Manager) SetContinuer(c RunContinuer) { m.continuer = c }

// RegisterHandlers installs the datetime timer handler on the worker.
func (m *Manager) RegisterHandlers() {
	m.worker.Register(JobTypeDateTime, func(ctx context.Context, job *workerq.Job) error {
		var p dateTimePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode datetime payload: %w", err)
		}
		_, err := m.CompleteWaitpoint(ctx, p.WaitpointID, "", false)
		return err
	})
}

// CreateRunAssociatedWaitpoint creates the RUN-type waitpoint completed
// when the given run reaches a terminal status. Written through tx so it
// commits atomically with the run row.
func (m *Manager) CreateRunAssociatedWaitpoint(ctx context.Context, tx store.WaitpointStore, projectID, runID string) (*store.Waitpoint, error) {
	wp := &store.Waitpoint{
		ID:               NewWaitpointID(),
		ProjectID:        projectID,
		Type:             store.WaitpointTypeRun,
		Status:           store.WaitpointStatusPending,
		CompletedByRunID: runID,
		CreatedAt:        m.clock(),
	}
	if err := tx.CreateWaitpoint(ctx, wp); err != nil {
		return nil, fmt.Errorf("create run waitpoint for %s: %w", runID, err)
	}
	return wp, nil
}

// CreateManualWaitpoint creates a MANUAL waitpoint completed by an
// explicit API call. An idempotency key dedupes creation.
func (m *Manager) CreateManualWaitpoint(ctx context.Context, projectID, idempotencyKey string) (*store.Waitpoint, error) {
	wp := &store.Waitpoint{
		ID:             NewWaitpointID(),
		ProjectID:      projectID,
		Type:           store.WaitpointTypeManual,
		Status:         store.WaitpointStatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      m.clock(),
	}
	if err := m.store.CreateWaitpoint(ctx, wp); err != nil {
		return nil, fmt.Errorf("create manual waitpoint: %w", err)
	}
	return wp, nil
}

// CreateDateTimeWaitpoint creates a DATETIME waitpoint and arms its
// completion timer.
func (m *Manager) CreateDateTimeWaitpoint(ctx context.Context, projectID string, completedAfter time.Time) (*store.Waitpoint, error) {
	wp, err := m.CreateDateTimeWaitpointIn(ctx, m.store, projectID, completedAfter)
	if err != nil {
		return nil, err
	}
	if err := m.ArmDateTimeTimer(ctx, wp); err != nil {
		return nil, err
	}
	return wp, nil
}

// CreateDateTimeWaitpointIn writes a DATETIME waitpoint through tx so it
// commits atomically with its run. The caller arms the timer with
// ArmDateTimeTimer after the transaction commits.
func (m *Manager) CreateDateTimeWaitpointIn(ctx context.Context, tx store.WaitpointStore, projectID string, completedAfter time.Time) (*store.Waitpoint, error) {
	wp := &store.Waitpoint{
		ID:             NewWaitpointID(),
		ProjectID:      projectID,
		Type:           store.WaitpointTypeDateTime,
		Status:         store.WaitpointStatusPending,
		CompletedAfter: &completedAfter,
		CreatedAt:      m.clock(),
	}
	if err := tx.CreateWaitpoint(ctx, wp); err != nil {
		return nil, fmt.Errorf("create datetime waitpoint: %w", err)
	}
	return wp, nil
}

// ArmDateTimeTimer schedules (or reschedules) the completion job for a
// DATETIME waitpoint.
func (m *Manager) ArmDateTimeTimer(ctx context.Context, wp *store.Waitpoint) error {
	payload, err := json.Marshal(dateTimePayload{WaitpointID: wp.ID})
	if err != nil {
		return err
	}
	job := workerq.Job{ID: DateTimeJobID(wp.ID), Type: JobTypeDateTime, Payload: payload}
	if err := m.worker.Enqueue(ctx, job, *wp.CompletedAfter); err != nil {
		return fmt.Errorf("arm datetime waitpoint %s: %w", wp.ID, err)
	}
	return nil
}

// BlockRun joins a run to a pending waitpoint through tx. Blocking on an
// already-completed waitpoint is the caller's race to detect; the join
// is written regardless and resolved by the next completion sweep.
func (m *Manager) BlockRun(ctx context.Context, tx store.WaitpointStore, runID, waitpointID, projectID string) error {
	rw := &store.RunWaitpoint{
		RunID:       runID,
		WaitpointID: waitpointID,
		ProjectID:   projectID,
		CreatedAt:   m.clock(),
	}
	if err := tx.CreateRunWaitpoint(ctx, rw); err != nil {
		return fmt.Errorf("block run %s on waitpoint %s: %w", runID, waitpointID, err)
	}
	return nil
}

// CompleteWaitpoint marks the waitpoint completed, clears its joins and
// continues every run whose last blocker it was. Completing an
// already-completed waitpoint only sweeps leftover joins; the stored
// output is not overwritten. Returns the waitpoint as stored.
func (m *Manager) CompleteWaitpoint(ctx context.Context, waitpointID, output string, outputIsError bool) (*store.Waitpoint, error) {
	var (
		wp        *store.Waitpoint
		unblocked []string
	)
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		wp, err = tx.MarkWaitpointCompleted(ctx, waitpointID, output, outputIsError, m.clock())
		if err != nil {
			return fmt.Errorf("complete waitpoint %s: %w", waitpointID, err)
		}
		blocked, err := tx.DeleteRunWaitpointsByWaitpoint(ctx, waitpointID)
		if err != nil {
			return fmt.Errorf("clear joins for waitpoint %s: %w", waitpointID, err)
		}
		unblocked = unblocked[:0]
		for _, runID := range blocked {
			remaining, err := tx.CountBlockersForRun(ctx, runID)
			if err != nil {
				return err
			}
			if remaining == 0 {
				unblocked = append(unblocked, runID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(unblocked) > 0 && m.continuer != nil {
		if err := m.continuer.ContinueRunsAfterWaitpoint(ctx, unblocked, waitpointID); err != nil {
			// The completion is durable; the stale-resume scanner
			// recovers runs whose continuation failed here.
			m.logger.Error("continuing unblocked runs", "waitpoint", waitpointID, "error", err)
		}
	}
	return wp, nil
}
