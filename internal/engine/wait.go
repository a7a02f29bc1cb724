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

// WaitForDuration blocks an executing run on a datetime waitpoint. The
// runner stays attached (EXECUTING_WITH_WAITPOINTS) and may later be
// asked to suspend. SnapshotID must be the latest.
func (e *Engine) WaitForDuration(ctx context.Context, runID, snapshotID string, until time.Time) (*store.Waitpoint, error) {
	var wp *store.Waitpoint
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return fmt.Errorf("wait for run %s: presented %s, latest %s: %w",
				runID, snapshotID, latest.ID, ErrSnapshotStale)
		}
		wp, err = e.waitpoints.CreateDateTimeWaitpoint(ctx, run.ProjectID, until)
		if err != nil {
			return err
		}
		return e.blockRunLocked(ctx, run, latest, wp.ID)
	})
	return wp, err
}

// BlockRunWithWaitpoint blocks a run on an existing waitpoint. Used for
// child-run waits (triggerAndWait) and manual tokens.
func (e *Engine) BlockRunWithWaitpoint(ctx context.Context, runID, waitpointID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		return e.blockRunLocked(ctx, run, latest, waitpointID)
	})
}

// blockRunLocked records the block. An attached runner keeps its
// concurrency slots (EXECUTING_WITH_WAITPOINTS); a run blocked outside
// execution releases them and waits (BLOCKED_BY_WAITPOINTS). Either way
// the run is WAITING_TO_RESUME while it holds blockers, so the
// stale-resume scanner can find it. Caller holds the run lock.
func (e *Engine) blockRunLocked(ctx context.Context, run *store.Run, latest *store.ExecutionSnapshot, waitpointID string) error {
	if run.Status.Terminal() {
		return fmt.Errorf("block run %s: %w", run.ID, ErrRunFinished)
	}

	execStatus := store.ExecutionStatusBlockedByWaitpoints
	releaseSlots := true
	switch latest.ExecutionStatus {
	case store.ExecutionStatusExecuting, store.ExecutionStatusExecutingWithWaitpoints:
		execStatus = store.ExecutionStatusExecutingWithWaitpoints
		releaseSlots = false
	case store.ExecutionStatusFinished:
		return fmt.Errorf("block run %s: %w", run.ID, ErrRunFinished)
	}
	run.Status = store.RunStatusWaitingToResume
	consumer := e.runConsumer(run)
	if releaseSlots {
		run.ConsumerID = ""
	}

	var snap *store.ExecutionSnapshot
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := e.waitpoints.BlockRun(ctx, tx, run.ID, waitpointID, run.ProjectID); err != nil {
			return err
		}
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		var err error
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:           run.ID,
			ExecutionStatus: execStatus,
			RunStatus:       run.Status,
			AttemptNumber:   run.AttemptCount,
			WorkerID:        latest.WorkerID,
			Description:     "blocked by waitpoint",
		})
		return err
	})
	if err != nil {
		return err
	}

	if releaseSlots {
		if err := e.queue.ReleaseConcurrency(ctx, consumer, e.messageFromRun(run)); err != nil {
			e.logger.Error("releasing concurrency", "run", run.ID, "error", err)
		}
	}
	e.armStallCheck(ctx, snap)
	e.notifier.NotifyRunChanged(ctx, run.ID, snap.ID)
	metricRunsBlocked.Inc()
	return nil
}

// Suspend checkpoints a run that is blocked with its runner attached:
// concurrency slots are released and the runner exits. On resume the
// run must reacquire slots before a warm start.
func (e *Engine) Suspend(ctx context.Context, runID, snapshotID string) (*store.ExecutionSnapshot, error) {
	var snap *store.ExecutionSnapshot
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return fmt.Errorf("suspend run %s: presented %s, latest %s: %w",
				runID, snapshotID, latest.ID, ErrSnapshotStale)
		}
		if latest.ExecutionStatus != store.ExecutionStatusExecutingWithWaitpoints {
			return invalidStatus("suspend", latest.ExecutionStatus)
		}

		consumer := e.runConsumer(run)
		run.Status = store.RunStatusWaitingToResume
		run.ConsumerID = ""
		err = e.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.UpdateRun(ctx, run); err != nil {
				return err
			}
			snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
				RunID:           run.ID,
				ExecutionStatus: store.ExecutionStatusSuspended,
				RunStatus:       run.Status,
				AttemptNumber:   run.AttemptCount,
				Description:     "runner suspended",
			})
			return err
		})
		if err != nil {
			return err
		}
		if err := e.queue.ReleaseConcurrency(ctx, consumer, e.messageFromRun(run)); err != nil {
			e.logger.Error("releasing concurrency", "run", run.ID, "error", err)
		}
		e.armStallCheck(ctx, snap)
		metricRunsSuspended.Inc()
		return nil
	})
	return snap, err
}

// ContinueRunExecution moves a PENDING_EXECUTING run back to EXECUTING
// once its runner is attached again (after an in-place retry wait or a
// warm start). Completed waitpoint results ride along on the snapshot.
func (e *Engine) ContinueRunExecution(ctx context.Context, runID, snapshotID string) (*store.ExecutionSnapshot, error) {
	var snap *store.ExecutionSnapshot
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return fmt.Errorf("continue run %s: presented %s, latest %s: %w",
				runID, snapshotID, latest.ID, ErrSnapshotStale)
		}
		if latest.ExecutionStatus != store.ExecutionStatusPendingExecuting {
			return invalidStatus("continue", latest.ExecutionStatus)
		}

		run.Status = store.RunStatusExecuting
		err = e.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.UpdateRun(ctx, run); err != nil {
				return err
			}
			snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
				RunID:                 run.ID,
				ExecutionStatus:       store.ExecutionStatusExecuting,
				RunStatus:             run.Status,
				AttemptNumber:         run.AttemptCount,
				WorkerID:              latest.WorkerID,
				CompletedWaitpointIDs: latest.CompletedWaitpointIDs,
				Description:           "execution continued",
			})
			return err
		})
		if err != nil {
			return err
		}
		e.armStallCheck(ctx, snap)
		return nil
	})
	return snap, err
}

// ContinueRunsAfterWaitpoint implements waitpoint.RunContinuer: resume
// every run whose last blocker completed. Errors on individual runs are
// logged so one bad run cannot wedge the rest; the stale-resume scanner
// retries them.
func (e *Engine) ContinueRunsAfterWaitpoint(ctx context.Context, runIDs []string, completedWaitpointID string) error {
	for _, runID := range runIDs {
		if err := e.continueRun(ctx, runID, completedWaitpointID); err != nil {
			e.logger.Error("continuing run after waitpoint",
				"run", runID, "waitpoint", completedWaitpointID, "error", err)
		}
	}
	return nil
}

// continueRun resumes one unblocked run based on its latest snapshot:
//
//   - EXECUTING_WITH_WAITPOINTS: runner attached, deliver results.
//   - SUSPENDED: try to reacquire slots for a warm start; requeue when
//     the environment is full.
//   - BLOCKED_BY_WAITPOINTS: requeue.
//   - RUN_CREATED: a delayed run whose delay waitpoint completed;
//     enqueue it for the first time.
func (e *Engine) continueRun(ctx context.Context, runID, completedWaitpointID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		switch run.Status {
		case store.RunStatusPending, store.RunStatusDelayed, store.RunStatusWaitingToResume, store.RunStatusExecuting:
		default:
			return nil
		}
		remaining, err := e.store.CountBlockersForRun(ctx, runID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}

		var completed []string
		if completedWaitpointID != "" {
			completed = []string{completedWaitpointID}
		}

		switch latest.ExecutionStatus {
		case store.ExecutionStatusExecutingWithWaitpoints:
			return e.resumeAttached(ctx, run, latest, completed)
		case store.ExecutionStatusSuspended:
			ok, err := e.queue.Reacquire(ctx, e.messageFromRun(run))
			if err != nil {
				return err
			}
			if ok {
				return e.resumePendingExecuting(ctx, run, latest, completed)
			}
			return e.requeueBlocked(ctx, run, completed)
		case store.ExecutionStatusBlockedByWaitpoints, store.ExecutionStatusRunCreated:
			return e.requeueBlocked(ctx, run, completed)
		default:
			// Already moving; nothing to resume.
			return nil
		}
	})
}

// resumeAttached delivers waitpoint results to a still-attached runner.
func (e *Engine) resumeAttached(ctx context.Context, run *store.Run, latest *store.ExecutionSnapshot, completed []string) error {
	run.Status = store.RunStatusExecuting
	var snap *store.ExecutionSnapshot
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		var err error
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:                 run.ID,
			ExecutionStatus:       store.ExecutionStatusExecuting,
			RunStatus:             run.Status,
			AttemptNumber:         run.AttemptCount,
			WorkerID:              latest.WorkerID,
			CompletedWaitpointIDs: completed,
			Description:           "waitpoints completed",
		})
		return err
	})
	if err != nil {
		return err
	}
	e.armStallCheck(ctx, snap)
	e.notifier.NotifyRunChanged(ctx, run.ID, snap.ID)
	metricRunsResumed.WithLabelValues("attached").Inc()
	return nil
}

// resumePendingExecuting holds the reacquired slots and waits for a
// warm-started runner to pick the run up.
func (e *Engine) resumePendingExecuting(ctx context.Context, run *store.Run, latest *store.ExecutionSnapshot, completed []string) error {
	var snap *store.ExecutionSnapshot
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:                 run.ID,
			ExecutionStatus:       store.ExecutionStatusPendingExecuting,
			RunStatus:             run.Status,
			AttemptNumber:         run.AttemptCount,
			CompletedWaitpointIDs: completed,
			Description:           "slots reacquired, awaiting runner",
		})
		return err
	})
	if err != nil {
		return err
	}
	e.armStallCheck(ctx, snap)
	e.notifier.NotifyRunChanged(ctx, run.ID, snap.ID)
	metricRunsResumed.WithLabelValues("warm").Inc()
	return nil
}

// requeueBlocked sends an unblocked run back through the queue to
// compete for concurrency like a fresh run.
func (e *Engine) requeueBlocked(ctx context.Context, run *store.Run, completed []string) error {
	run.Status = store.RunStatusPending
	if run.QueuedAt == nil {
		now := e.clock()
		run.QueuedAt = &now
	}
	var snap *store.ExecutionSnapshot
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		var err error
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:                 run.ID,
			ExecutionStatus:       store.ExecutionStatusQueued,
			RunStatus:             run.Status,
			AttemptNumber:         run.AttemptCount,
			CompletedWaitpointIDs: completed,
			Description:           "requeued after waitpoints",
		})
		return err
	})
	if err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, e.messageFromRun(run), e.clock()); err != nil {
		return err
	}
	e.armStallCheck(ctx, snap)
	metricRunsResumed.WithLabelValues("requeued").Inc()
	return nil
}
