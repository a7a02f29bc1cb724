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

	"github.com/BunsDev/trigger-dev/internal/store"
)

// finishRun moves a run to a terminal status: persists the final run
// row and FINISHED snapshot, releases its queue claim, disarms timers
// and completes the associated waitpoint so blocked parents resume.
// Caller holds the run lock.
func (e *Engine) finishRun(ctx context.Context, run *store.Run, status store.RunStatus, description string) (*store.ExecutionSnapshot, error) {
	now := e.clock()
	consumer := e.runConsumer(run)
	run.Status = status
	run.ConsumerID = ""
	run.CompletedAt = &now
	if status == store.RunStatusExpired {
		run.ExpiredAt = &now
	}

	var snap *store.ExecutionSnapshot
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		var err error
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:           run.ID,
			ExecutionStatus: store.ExecutionStatusFinished,
			RunStatus:       status,
			AttemptNumber:   run.AttemptCount,
			Description:     description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// Drop the queue entry and concurrency slots whichever state the
	// run finished from. Ack is idempotent and safe for unclaimed runs.
	if err := e.queue.Ack(ctx, consumer, e.messageFromRun(run)); err != nil {
		e.logger.Error("releasing queue claim", "run", run.ID, "error", err)
	}
	if err := e.worker.Cancel(ctx, jobTypeExpireRun+"."+run.ID); err != nil {
		e.logger.Error("cancelling expiry job", "run", run.ID, "error", err)
	}
	if err := e.snapshots.DisarmStallCheck(ctx, run.ID); err != nil {
		e.logger.Error("disarming stall check", "run", run.ID, "error", err)
	}

	if run.AssociatedWaitpointID != "" {
		output, isError := finalOutput(run)
		if _, err := e.waitpoints.CompleteWaitpoint(ctx, run.AssociatedWaitpointID, output, isError); err != nil {
			e.logger.Error("completing associated waitpoint",
				"run", run.ID, "waitpoint", run.AssociatedWaitpointID, "error", err)
		}
	}

	e.notifier.NotifyRunChanged(ctx, run.ID, snap.ID)
	metricRunsFinished.WithLabelValues(string(status)).Inc()
	e.logger.Info("run finished", "run", run.ID, "status", status)
	return snap, nil
}

// finalOutput derives the associated waitpoint's payload from the
// finished run: its output on success, its structured error otherwise.
func finalOutput(run *store.Run) (string, bool) {
	if run.Status == store.RunStatusCompletedSuccessfully {
		return run.Output, false
	}
	if run.Error == nil {
		return `{"type":"` + string(run.Status) + `"}`, true
	}
	b, err := json.Marshal(run.Error)
	if err != nil {
		return `{"type":"` + string(run.Status) + `"}`, true
	}
	return string(b), true
}
