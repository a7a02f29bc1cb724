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

// Package snapshot appends execution snapshots and keeps the stall
// detector armed. Every snapshot appended for a run re-arms a single
// delayed heartbeat job for that run; if the run makes progress the next
// snapshot replaces the timer, and if it does not the job fires with the
// snapshot id it was armed for, letting the engine detect the stall by
// comparing against the latest snapshot.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/workerq"
)

// JobTypeHeartbeat is the workerq job type for stall checks.
const JobTypeHeartbeat = "heartbeatSnapshot"

// HeartbeatPayload identifies the snapshot a stall check was armed for.
type HeartbeatPayload struct {
	RunID      string `json:"runId"`
	SnapshotID string `json:"snapshotId"`
}

// heartbeatIntervals maps execution status to how long a run may sit in
// that status without progress before the stall handler fires. Statuses
// where a runner is actively heartbeating get a long leash; transient
// handoff statuses get a short one.
var heartbeatIntervals = map[store.ExecutionStatus]time.Duration{
	store.ExecutionStatusRunCreated:              time.Minute,
	store.ExecutionStatusQueued:                  time.Minute,
	store.ExecutionStatusDequeuedForExecution:    time.Minute,
	store.ExecutionStatusPendingExecuting:        time.Minute,
	store.ExecutionStatusBlockedByWaitpoints:     time.Minute,
	store.ExecutionStatusSuspended:               time.Minute,
	store.ExecutionStatusPendingCancel:           time.Minute,
	store.ExecutionStatusExecuting:               15 * time.Minute,
	store.ExecutionStatusExecutingWithWaitpoints: 15 * time.Minute,
}

// HeartbeatInterval returns the stall deadline for a status. Statuses
// without an entry (finished) get a minute as a cleanup backstop.
func HeartbeatInterval(status store.ExecutionStatus) time.Duration {
	if d, ok := heartbeatIntervals[status]; ok {
		return d
	}
	return time.Minute
}

// NewSnapshotID mints an execution snapshot id.
func NewSnapshotID() string {
	return "snap_" + uuid.NewString()
}

// HeartbeatJobID returns the deterministic job id for a run's stall
// check, one per run so re-arming replaces rather than accumulates.
func HeartbeatJobID(runID string) string {
	return JobTypeHeartbeat + "." + runID
}

// Service appends snapshots and manages their stall-check timers.
type Service struct {
	worker *workerq.Worker
	clock  func() time.Time
}

// NewService creates a snapshot service backed by the given delayed-job
// worker.
func NewService(worker *workerq.Worker) *Service {
	return &Service{worker: worker, clock: time.Now}
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Append writes a new snapshot through the given store view, filling in
// id and timestamp. The caller re-arms the stall check after its
// transaction commits.
func (s *Service) Append(ctx context.Context, tx store.SnapshotStore, snap *store.ExecutionSnapshot) error {
	if snap.ID == "" {
		snap.ID = NewSnapshotID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.clock()
	}
	if err := tx.AppendSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("append snapshot for run %s: %w", snap.RunID, err)
	}
	return nil
}

// ArmStallCheck schedules (or replaces) the run's stall-check job for
// the given snapshot, firing after the status's heartbeat interval.
func (s *Service) ArmStallCheck(ctx context.Context, runID, snapshotID string, status store.ExecutionStatus) error {
	payload, err := json.Marshal(HeartbeatPayload{RunID: runID, SnapshotID: snapshotID})
	if err != nil {
		return err
	}
	job := workerq.Job{
		ID:      HeartbeatJobID(runID),
		Type:    JobTypeHeartbeat,
		Payload: payload,
	}
	return s.worker.Enqueue(ctx, job, s.clock().Add(HeartbeatInterval(status)))
}

// ExtendHeartbeat pushes the stall deadline out again for the same
// snapshot. Runners call this periodically while executing.
func (s *Service) ExtendHeartbeat(ctx context.Context, runID, snapshotID string, status store.ExecutionStatus) error {
	return s.ArmStallCheck(ctx, runID, snapshotID, status)
}

// DisarmStallCheck cancels the run's pending stall check. Used when a
// run reaches a terminal state.
func (s *Service) DisarmStallCheck(ctx context.Context, runID string) error {
	return s.worker.Cancel(ctx, HeartbeatJobID(runID))
}
