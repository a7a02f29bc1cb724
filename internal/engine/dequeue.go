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

	"github.com/BunsDev/trigger-dev/internal/store"
)

// DequeuedRun is one run handed to a supervisor for execution.
type DequeuedRun struct {
	Run      *store.Run
	Snapshot *store.ExecutionSnapshot
}

// DequeueFromMasterQueue claims up to max runs from a master queue on
// behalf of a consumer. Each claimed run transitions to
// DEQUEUED_FOR_EXECUTION; the supervisor must start an attempt against
// the returned snapshot id.
func (e *Engine) DequeueFromMasterQueue(ctx context.Context, consumerID, masterQueue string, max int) ([]*DequeuedRun, error) {
	if max <= 0 {
		max = 1
	}
	var out []*DequeuedRun
	for len(out) < max {
		msg, err := e.queue.Dequeue(ctx, consumerID, masterQueue)
		if err != nil {
			return out, err
		}
		if msg == nil {
			break
		}
		dequeued, err := e.markDequeued(ctx, consumerID, msg.RunID)
		if err != nil {
			e.logger.Error("marking run dequeued", "run", msg.RunID, "error", err)
			// The claim stands in Redis; the stall check recovers it.
			continue
		}
		if dequeued != nil {
			out = append(out, dequeued)
		}
	}
	return out, nil
}

// markDequeued records the queue claim on the run. A nil, nil return
// means the message did not yield a startable run: a finished run's
// stale entry is dropped, and a non-queued run surfacing here is failed
// because the queue and the snapshot log disagree.
func (e *Engine) markDequeued(ctx context.Context, consumerID, runID string) (*DequeuedRun, error) {
	var result *DequeuedRun
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			// Stale queue entry; drop the claim.
			e.logger.Warn("dropping stale queue claim",
				"run", runID, "status", run.Status, "execution", latest.ExecutionStatus)
			return e.queue.Ack(ctx, consumerID, e.messageFromRun(run))
		}
		if latest.ExecutionStatus != store.ExecutionStatusQueued {
			e.logger.Error("run dequeued in unexpected state",
				"run", runID, "execution", latest.ExecutionStatus)
			run.ConsumerID = consumerID
			run.Error = &store.RunError{
				Type:    "INTERNAL_ERROR",
				Code:    "TASK_DEQUEUED_INVALID_STATE",
				Message: fmt.Sprintf("run was dequeued while %s", latest.ExecutionStatus),
			}
			_, err := e.finishRun(ctx, run, store.RunStatusSystemFailure, "dequeued in invalid state")
			return err
		}

		run.ConsumerID = consumerID
		var snap *store.ExecutionSnapshot
		err = e.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.UpdateRun(ctx, run); err != nil {
				return err
			}
			snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
				RunID:           run.ID,
				ExecutionStatus: store.ExecutionStatusDequeuedForExecution,
				RunStatus:       run.Status,
				AttemptNumber:   run.AttemptCount,
				Description:     "dequeued by " + consumerID,
			})
			return err
		})
		if err != nil {
			return err
		}
		e.armStallCheck(ctx, snap)
		metricRunsDequeued.Inc()
		result = &DequeuedRun{Run: run, Snapshot: snap}
		return nil
	})
	return result, err
}
