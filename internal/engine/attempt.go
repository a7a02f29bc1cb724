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

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/BunsDev/trigger-dev/internal/store"
)

// StartAttemptParams identifies the execution state an attempt starts
// from. SnapshotID must be the run's latest snapshot.
type StartAttemptParams struct {
	RunID      string
	SnapshotID string
	WorkerID   string
}

// StartedAttempt is the payload a runner needs to execute.
type StartedAttempt struct {
	Run      *store.Run
	Snapshot *store.ExecutionSnapshot
	Attempt  *store.Attempt
}

// StartAttempt transitions a dequeued (or immediately retrying) run to
// EXECUTING and opens a new attempt. Returns ErrSnapshotStale when the
// presented snapshot is no longer the latest.
func (e *Engine) StartAttempt(ctx context.Context, p StartAttemptParams) (*StartedAttempt, error) {
	var result *StartedAttempt
	err := e.withRunLock(ctx, p.RunID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, p.RunID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, p.RunID)
		if err != nil {
			return err
		}
		if latest.ID != p.SnapshotID {
			return fmt.Errorf("start attempt for run %s: presented %s, latest %s: %w",
				p.RunID, p.SnapshotID, latest.ID, ErrSnapshotStale)
		}
		switch latest.ExecutionStatus {
		case store.ExecutionStatusDequeuedForExecution, store.ExecutionStatusPendingExecuting:
		default:
			return invalidStatus("start attempt", latest.ExecutionStatus)
		}
		if run.AttemptCount >= run.MaxAttempts {
			return fmt.Errorf("start attempt for run %s: attempts exhausted (%d/%d): %w",
				p.RunID, run.AttemptCount, run.MaxAttempts, ErrInvalidStatus)
		}

		now := e.clock()
		run.AttemptCount++
		run.Status = store.RunStatusExecuting
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		attempt := &store.Attempt{
			ID:        newAttemptID(),
			RunID:     run.ID,
			Number:    run.AttemptCount,
			Status:    store.AttemptStatusExecuting,
			WorkerID:  p.WorkerID,
			StartedAt: now,
		}

		var snap *store.ExecutionSnapshot
		err = e.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.UpdateRun(ctx, run); err != nil {
				return err
			}
			if err := tx.CreateAttempt(ctx, attempt); err != nil {
				return err
			}
			snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
				RunID:                 run.ID,
				ExecutionStatus:       store.ExecutionStatusExecuting,
				RunStatus:             run.Status,
				AttemptNumber:         attempt.Number,
				WorkerID:              p.WorkerID,
				CompletedWaitpointIDs: latest.CompletedWaitpointIDs,
				Description:           "attempt started",
			})
			return err
		})
		if err != nil {
			return err
		}
		e.armStallCheck(ctx, snap)
		metricAttemptsStarted.Inc()
		result = &StartedAttempt{Run: run, Snapshot: snap, Attempt: attempt}
		return nil
	})
	return result, err
}

// AttemptOutcome tells the runner what happens next after completing an
// attempt.
type AttemptOutcome string

const (
	// OutcomeFinished: the run reached a terminal status.
	OutcomeFinished AttemptOutcome = "FINISHED"
	// OutcomeRetryImmediately: the runner keeps its slot and starts the
	// next attempt against the returned snapshot after RetryAt.
	OutcomeRetryImmediately AttemptOutcome = "RETRY_IMMEDIATELY"
	// OutcomeRetryQueued: the run went back to its queue; the runner
	// releases the run.
	OutcomeRetryQueued AttemptOutcome = "RETRY_QUEUED"
)

// CompleteAttemptParams carries an attempt result.
type CompleteAttemptParams struct {
	RunID      string
	SnapshotID string
	WorkerID   string

	Ok         bool
	Output     string
	OutputType string
	Error      *store.RunError
}

// CompletedAttempt is the engine's verdict on a completed attempt.
type CompletedAttempt struct {
	Outcome  AttemptOutcome
	Run      *store.Run
	Snapshot *store.ExecutionSnapshot
	// RetryAfter is set for OutcomeRetryImmediately: how long the
	// runner waits before starting the next attempt.
	RetryAfter *time.Duration
}

// CompleteAttempt records an attempt result and decides the next step:
// finish the run, retry in place, or requeue with backoff.
func (e *Engine) CompleteAttempt(ctx context.Context, p CompleteAttemptParams) (*CompletedAttempt, error) {
	var result *CompletedAttempt
	err := e.withRunLock(ctx, p.RunID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, p.RunID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, p.RunID)
		if err != nil {
			return err
		}
		if latest.ID != p.SnapshotID {
			return fmt.Errorf("complete attempt for run %s: presented %s, latest %s: %w",
				p.RunID, p.SnapshotID, latest.ID, ErrSnapshotStale)
		}
		switch latest.ExecutionStatus {
		case store.ExecutionStatusExecuting, store.ExecutionStatusExecutingWithWaitpoints,
			store.ExecutionStatusPendingCancel:
		default:
			return invalidStatus("complete attempt", latest.ExecutionStatus)
		}

		now := e.clock()
		if err := e.closeAttempt(ctx, run, p, now); err != nil {
			return err
		}

		if latest.ExecutionStatus == store.ExecutionStatusPendingCancel {
			snap, err := e.finishRun(ctx, run, store.RunStatusCanceled, "attempt stopped after cancellation")
			if err != nil {
				return err
			}
			result = &CompletedAttempt{Outcome: OutcomeFinished, Run: run, Snapshot: snap}
			return nil
		}

		if p.Ok {
			run.Output = p.Output
			run.OutputType = p.OutputType
			snap, err := e.finishRun(ctx, run, store.RunStatusCompletedSuccessfully, "attempt succeeded")
			if err != nil {
				return err
			}
			result = &CompletedAttempt{Outcome: OutcomeFinished, Run: run, Snapshot: snap}
			return nil
		}

		run.Error = p.Error
		if run.AttemptCount >= run.MaxAttempts {
			snap, err := e.finishRun(ctx, run, store.RunStatusCompletedWithErrors, "attempts exhausted")
			if err != nil {
				return err
			}
			result = &CompletedAttempt{Outcome: OutcomeFinished, Run: run, Snapshot: snap}
			return nil
		}

		delay := e.retryDelay(run.AttemptCount)
		if delay < e.opts.ImmediateRetryThreshold {
			snap, err := e.retryInPlace(ctx, run, p.WorkerID)
			if err != nil {
				return err
			}
			result = &CompletedAttempt{
				Outcome: OutcomeRetryImmediately, Run: run, Snapshot: snap,
				RetryAfter: &delay,
			}
			return nil
		}

		snap, err := e.requeueForRetry(ctx, run, now.Add(delay))
		if err != nil {
			return err
		}
		result = &CompletedAttempt{Outcome: OutcomeRetryQueued, Run: run, Snapshot: snap}
		return nil
	})
	return result, err
}

// closeAttempt finalises the latest attempt row for the run.
func (e *Engine) closeAttempt(ctx context.Context, run *store.Run, p CompleteAttemptParams, now time.Time) error {
	attempt, err := e.store.LatestAttempt(ctx, run.ID)
	if err != nil {
		if errorsIsNotFound(err) {
			return nil
		}
		return err
	}
	if attempt.Status != store.AttemptStatusExecuting {
		return nil
	}
	attempt.CompletedAt = &now
	switch {
	case p.Ok:
		attempt.Status = store.AttemptStatusCompleted
	default:
		attempt.Status = store.AttemptStatusFailed
		attempt.Error = p.Error
	}
	return e.store.UpdateAttempt(ctx, attempt)
}

// retryInPlace keeps the runner attached: PENDING_EXECUTING, same queue
// claim, next attempt starts against the returned snapshot.
func (e *Engine) retryInPlace(ctx context.Context, run *store.Run, workerID string) (*store.ExecutionSnapshot, error) {
	var snap *store.ExecutionSnapshot
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		var err error
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:           run.ID,
			ExecutionStatus: store.ExecutionStatusPendingExecuting,
			RunStatus:       run.Status,
			AttemptNumber:   run.AttemptCount,
			WorkerID:        workerID,
			Description:     "retrying in place",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.armStallCheck(ctx, snap)
	metricAttemptsRetried.WithLabelValues("immediate").Inc()
	return snap, nil
}

// requeueForRetry releases the runner: the run goes back to its queue
// with the retry delay and competes for concurrency again.
func (e *Engine) requeueForRetry(ctx context.Context, run *store.Run, retryAt time.Time) (*store.ExecutionSnapshot, error) {
	consumer := e.runConsumer(run)
	run.Status = store.RunStatusPending
	run.ConsumerID = ""
	var snap *store.ExecutionSnapshot
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		var err error
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:           run.ID,
			ExecutionStatus: store.ExecutionStatusQueued,
			RunStatus:       run.Status,
			AttemptNumber:   run.AttemptCount,
			Description:     "requeued for retry",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := e.queue.Nack(ctx, consumer, e.messageFromRun(run), retryAt); err != nil {
		return nil, err
	}
	e.armStallCheck(ctx, snap)
	metricAttemptsRetried.WithLabelValues("queued").Inc()
	return snap, nil
}

// Heartbeat extends the stall deadline for an in-flight run. Returns
// the latest snapshot so a stale caller can resynchronise.
func (e *Engine) Heartbeat(ctx context.Context, runID, snapshotID string) (*store.ExecutionSnapshot, error) {
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	if latest.ID != snapshotID {
		return latest, fmt.Errorf("heartbeat for run %s: presented %s, latest %s: %w",
			runID, snapshotID, latest.ID, ErrSnapshotStale)
	}
	if err := e.snapshots.ExtendHeartbeat(ctx, runID, latest.ID, latest.ExecutionStatus); err != nil {
		return nil, err
	}
	return latest, nil
}
