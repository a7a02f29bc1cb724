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
	"encoding/json"

	"github.com/BunsDev/trigger-dev/internal/snapshot"
	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/workerq"
)

// registerHandlers installs the engine's delayed-job handlers.
func (e *Engine) registerHandlers() {
	e.worker.Register(snapshot.JobTypeHeartbeat, func(ctx context.Context, job *workerq.Job) error {
		var p snapshot.HeartbeatPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		return e.handleStalledRun(ctx, p.RunID, p.SnapshotID)
	})
	e.worker.Register(jobTypeExpireRun, func(ctx context.Context, job *workerq.Job) error {
		var p runJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		return e.Expire(ctx, p.RunID)
	})
}

// handleStalledRun fires when a run's stall deadline passes without a
// newer snapshot. Recovery depends on where the run stalled; the common
// cases are a runner that died mid-attempt and a handoff that never
// completed.
func (e *Engine) handleStalledRun(ctx context.Context, runID, snapshotID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			if errorsIsNotFound(err) {
				return nil
			}
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID || run.Status.Terminal() {
			// The run moved on; this timer is stale.
			return nil
		}

		metricStallsDetected.WithLabelValues(string(latest.ExecutionStatus)).Inc()
		e.logger.Warn("run stalled",
			"run", runID, "execution", latest.ExecutionStatus, "snapshot", snapshotID)

		switch latest.ExecutionStatus {
		case store.ExecutionStatusRunCreated, store.ExecutionStatusQueued:
			// Still waiting for capacity; keep watching.
			e.armStallCheck(ctx, latest)
			return nil

		case store.ExecutionStatusDequeuedForExecution, store.ExecutionStatusPendingExecuting:
			// The handoff to a runner never completed. The attempt was
			// not consumed; send the run back through the queue.
			return e.requeueStalled(ctx, run)

		case store.ExecutionStatusExecuting, store.ExecutionStatusExecutingWithWaitpoints:
			// Heartbeats stopped: the runner is gone mid-attempt.
			if run.AttemptCount >= run.MaxAttempts {
				run.Error = &store.RunError{
					Type:    "TASK_RUN_STALLED",
					Message: "runner heartbeat lost and attempts exhausted",
				}
				_, err := e.finishRun(ctx, run, store.RunStatusCrashed, "heartbeat lost")
				return err
			}
			return e.requeueStalled(ctx, run)

		case store.ExecutionStatusBlockedByWaitpoints, store.ExecutionStatusSuspended:
			// Covers wakeups lost between completion and continuation.
			remaining, err := e.store.CountBlockersForRun(ctx, runID)
			if err != nil {
				return err
			}
			if remaining > 0 {
				e.armStallCheck(ctx, latest)
				return nil
			}
			// Re-drive the resume path outside this lock.
			go func() {
				if err := e.continueRun(context.WithoutCancel(ctx), runID, ""); err != nil {
					e.logger.Error("continuing stalled run", "run", runID, "error", err)
				}
			}()
			return nil

		case store.ExecutionStatusPendingCancel:
			// The runner never acknowledged the cancel.
			_, err := e.finishRun(ctx, run, store.RunStatusCanceled, "cancel unacknowledged")
			return err

		default:
			return nil
		}
	})
}

// requeueStalled closes any open attempt and puts the run back in its
// queue. Caller holds the run lock.
func (e *Engine) requeueStalled(ctx context.Context, run *store.Run) error {
	now := e.clock()
	attempt, err := e.store.LatestAttempt(ctx, run.ID)
	if err == nil && attempt.Status == store.AttemptStatusExecuting {
		attempt.Status = store.AttemptStatusFailed
		attempt.Error = &store.RunError{Type: "TASK_RUN_STALLED", Message: "runner heartbeat lost"}
		attempt.CompletedAt = &now
		if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
			return err
		}
	} else if err != nil && !errorsIsNotFound(err) {
		return err
	}
	_, err = e.requeueForRetry(ctx, run, now)
	return err
}
