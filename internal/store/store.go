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

// Package store defines the relational storage interfaces for runs,
// execution snapshots, waitpoints and task queues.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components can depend on the
// minimal surface they need:
//
//   - RunStore (core): create/get/update runs
//   - SnapshotStore: append-only execution snapshots
//   - WaitpointStore: waitpoints and run-waitpoint joins
//   - QueueStore: task-queue configuration
//   - AttemptStore: attempt rows
//
// The Store interface composes all of them plus transactional execution
// and io.Closer. Implementations live in the memory and sqlite
// subpackages.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by all implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// RunStore is the core interface for run rows.
type RunStore interface {
	// CreateRun inserts a new run. Returns ErrAlreadyExists on id
	// collision.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by id or friendly id.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunByIdempotencyKey retrieves a run by environment and
	// idempotency key. Returns ErrNotFound when absent.
	GetRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*Run, error)

	// UpdateRun persists mutable run fields (status, attempt count,
	// output, error, timestamps).
	UpdateRun(ctx context.Context, run *Run) error

	// ListWaitingToResumeOlderThan pages runs stuck in
	// WAITING_TO_RESUME since before the cutoff, for the lost-wakeup
	// scanner.
	ListWaitingToResumeOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Run, error)
}

// SnapshotStore is the append-only execution-snapshot log.
type SnapshotStore interface {
	// AppendSnapshot appends a snapshot. Snapshots are never mutated
	// or deleted.
	AppendSnapshot(ctx context.Context, snap *ExecutionSnapshot) error

	// LatestSnapshot returns the authoritative (most recent) snapshot
	// for a run.
	LatestSnapshot(ctx context.Context, runID string) (*ExecutionSnapshot, error)

	// ListSnapshots returns the full history for a run, oldest first.
	ListSnapshots(ctx context.Context, runID string) ([]*ExecutionSnapshot, error)
}

// WaitpointStore manages waitpoints and the run-waitpoint join.
type WaitpointStore interface {
	CreateWaitpoint(ctx context.Context, wp *Waitpoint) error
	GetWaitpoint(ctx context.Context, id string) (*Waitpoint, error)

	// MarkWaitpointCompleted sets status COMPLETED with the given
	// output. A completed waitpoint is never reopened; completing
	// twice is a no-op and returns the stored waitpoint.
	MarkWaitpointCompleted(ctx context.Context, id, output string, outputIsError bool, at time.Time) (*Waitpoint, error)

	// CreateRunWaitpoint blocks a run on a waitpoint.
	CreateRunWaitpoint(ctx context.Context, rw *RunWaitpoint) error

	// DeleteRunWaitpointsByWaitpoint removes all joins for a waitpoint
	// and returns the run ids that were blocked on it.
	DeleteRunWaitpointsByWaitpoint(ctx context.Context, waitpointID string) ([]string, error)

	// ListBlockersForRun returns the pending waitpoints a run is
	// blocked on.
	ListBlockersForRun(ctx context.Context, runID string) ([]*Waitpoint, error)

	// CountBlockersForRun returns the number of run-waitpoint rows for
	// a run.
	CountBlockersForRun(ctx context.Context, runID string) (int, error)
}

// QueueStore manages task-queue configuration rows.
type QueueStore interface {
	UpsertTaskQueue(ctx context.Context, q *TaskQueue) error
	GetTaskQueue(ctx context.Context, environmentID, name string) (*TaskQueue, error)
}

// AttemptStore manages attempt rows.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *Attempt) error
	LatestAttempt(ctx context.Context, runID string) (*Attempt, error)
	UpdateAttempt(ctx context.Context, a *Attempt) error
}

// Store is the full storage surface. WithTx runs fn against a
// transactional view; the transaction commits when fn returns nil and
// rolls back otherwise.
type Store interface {
	RunStore
	SnapshotStore
	WaitpointStore
	QueueStore
	AttemptStore

	WithTx(ctx context.Context, fn func(tx Store) error) error

	io.Closer
}
