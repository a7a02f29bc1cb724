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

	"github.com/BunsDev/trigger-dev/internal/store"
)

// Cancel requests cancellation. Runs not currently executing finish as
// CANCELED immediately; executing runs get a PENDING_CANCEL snapshot
// and finish when the runner acknowledges (or its heartbeat lapses).
// Cancelling a finished run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*store.Run, error) {
	var result *store.Run
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		result = run
		if run.Status.Terminal() {
			return nil
		}
		latest, err := e.store.LatestSnapshot(ctx, run.ID)
		if err != nil {
			return err
		}
		if reason == "" {
			reason = "canceled by user"
		}
		run.Error = &store.RunError{Type: "CANCELED", Message: reason}

		switch latest.ExecutionStatus {
		case store.ExecutionStatusExecuting, store.ExecutionStatusExecutingWithWaitpoints:
			// A runner is attached; ask it to stop.
			var snap *store.ExecutionSnapshot
			err = e.store.WithTx(ctx, func(tx store.Store) error {
				if err := tx.UpdateRun(ctx, run); err != nil {
					return err
				}
				snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
					RunID:           run.ID,
					ExecutionStatus: store.ExecutionStatusPendingCancel,
					RunStatus:       run.Status,
					AttemptNumber:   run.AttemptCount,
					WorkerID:        latest.WorkerID,
					Description:     reason,
				})
				return err
			})
			if err != nil {
				return err
			}
			e.armStallCheck(ctx, snap)
			e.notifier.NotifyRunChanged(ctx, run.ID, snap.ID)
			return nil
		case store.ExecutionStatusPendingCancel:
			return nil
		default:
			_, err = e.finishRun(ctx, run, store.RunStatusCanceled, reason)
			return err
		}
	})
	return result, err
}

// Expire finishes a run as EXPIRED once its TTL elapses without an
// attempt starting. Covers created (delayed), queued and
// blocked-before-start runs; a run that started executing is past
// expiry.
func (e *Engine) Expire(ctx context.Context, runID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() || run.StartedAt != nil {
			return nil
		}
		latest, err := e.store.LatestSnapshot(ctx, run.ID)
		if err != nil {
			return err
		}
		switch latest.ExecutionStatus {
		case store.ExecutionStatusRunCreated, store.ExecutionStatusQueued,
			store.ExecutionStatusBlockedByWaitpoints:
		default:
			return nil
		}
		run.Error = &store.RunError{Type: "EXPIRED", Message: "run TTL elapsed before execution"}
		_, err = e.finishRun(ctx, run, store.RunStatusExpired, "ttl elapsed")
		return err
	})
}

// SystemFailure finishes a run as SYSTEM_FAILURE with the given error.
// Used when the platform, not the task, failed the run.
func (e *Engine) SystemFailure(ctx context.Context, runID string, runErr *store.RunError) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		run.Error = runErr
		_, err = e.finishRun(ctx, run, store.RunStatusSystemFailure, "system failure")
		return err
	})
}
