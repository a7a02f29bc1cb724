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

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/store/memory"
	"github.com/BunsDev/trigger-dev/internal/store/sqlite"
)

// Both backends must behave identically through the Store interface.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	sq, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]store.Store{
		"memory": memory.New(),
		"sqlite": sq,
	}
}

func newRun(id string) *store.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &store.Run{
		ID:              id,
		FriendlyID:      "friendly_" + id,
		TaskIdentifier:  "hello",
		Payload:         `{"x":1}`,
		PayloadType:     "application/json",
		OrganizationID:  "o1",
		ProjectID:       "p1",
		EnvironmentID:   "e1",
		EnvironmentType: "PRODUCTION",
		QueueName:       "task/hello",
		MasterQueue:     "main",
		MaxAttempts:     3,
		Status:          store.RunStatusPending,
		Tags:            []string{"a", "b"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestRunCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			run := newRun("run_1")
			run.IdempotencyKey = "idem-1"
			require.NoError(t, s.CreateRun(ctx, run))

			assert.ErrorIs(t, s.CreateRun(ctx, run), store.ErrAlreadyExists)

			got, err := s.GetRun(ctx, "run_1")
			require.NoError(t, err)
			assert.Equal(t, "hello", got.TaskIdentifier)
			assert.Equal(t, []string{"a", "b"}, got.Tags)

			// Lookup by friendly id too.
			got, err = s.GetRun(ctx, "friendly_run_1")
			require.NoError(t, err)
			assert.Equal(t, "run_1", got.ID)

			got, err = s.GetRunByIdempotencyKey(ctx, "e1", "idem-1")
			require.NoError(t, err)
			assert.Equal(t, "run_1", got.ID)

			// The newest run wins when a key was reused after an earlier
			// run finished.
			newer := newRun("run_1b")
			newer.IdempotencyKey = "idem-1"
			newer.CreatedAt = run.CreatedAt.Add(time.Second)
			require.NoError(t, s.CreateRun(ctx, newer))
			newest, err := s.GetRunByIdempotencyKey(ctx, "e1", "idem-1")
			require.NoError(t, err)
			assert.Equal(t, "run_1b", newest.ID)

			_, err = s.GetRunByIdempotencyKey(ctx, "e1", "nope")
			assert.ErrorIs(t, err, store.ErrNotFound)

			got.Status = store.RunStatusExecuting
			got.AttemptCount = 1
			require.NoError(t, s.UpdateRun(ctx, got))

			got, err = s.GetRun(ctx, "run_1")
			require.NoError(t, err)
			assert.Equal(t, store.RunStatusExecuting, got.Status)
			assert.Equal(t, 1, got.AttemptCount)

			_, err = s.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestSnapshotAppendOnly(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("run_1")))

			_, err := s.LatestSnapshot(ctx, "run_1")
			assert.ErrorIs(t, err, store.ErrNotFound)

			base := time.Now().UTC().Truncate(time.Millisecond)
			for i, status := range []store.ExecutionStatus{
				store.ExecutionStatusRunCreated,
				store.ExecutionStatusQueued,
				store.ExecutionStatusDequeuedForExecution,
			} {
				require.NoError(t, s.AppendSnapshot(ctx, &store.ExecutionSnapshot{
					ID:              "snap_" + string(rune('a'+i)),
					RunID:           "run_1",
					ExecutionStatus: status,
					RunStatus:       store.RunStatusPending,
					CreatedAt:       base.Add(time.Duration(i) * time.Millisecond),
				}))
			}

			latest, err := s.LatestSnapshot(ctx, "run_1")
			require.NoError(t, err)
			assert.Equal(t, store.ExecutionStatusDequeuedForExecution, latest.ExecutionStatus)

			history, err := s.ListSnapshots(ctx, "run_1")
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, store.ExecutionStatusRunCreated, history[0].ExecutionStatus)
			for i := 1; i < len(history); i++ {
				assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt),
					"snapshots must be ordered by creation")
			}
		})
	}
}

func TestWaitpointCompletion(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			wp := &store.Waitpoint{
				ID:        "wp_1",
				ProjectID: "p1",
				Type:      store.WaitpointTypeRun,
				Status:    store.WaitpointStatusPending,
				CreatedAt: now,
			}
			require.NoError(t, s.CreateWaitpoint(ctx, wp))

			require.NoError(t, s.CreateRunWaitpoint(ctx, &store.RunWaitpoint{
				RunID: "run_parent", WaitpointID: "wp_1", ProjectID: "p1", CreatedAt: now,
			}))
			assert.ErrorIs(t, s.CreateRunWaitpoint(ctx, &store.RunWaitpoint{
				RunID: "run_parent", WaitpointID: "wp_1", ProjectID: "p1", CreatedAt: now,
			}), store.ErrAlreadyExists)

			count, err := s.CountBlockersForRun(ctx, "run_parent")
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			blockers, err := s.ListBlockersForRun(ctx, "run_parent")
			require.NoError(t, err)
			require.Len(t, blockers, 1)
			assert.Equal(t, "wp_1", blockers[0].ID)

			completed, err := s.MarkWaitpointCompleted(ctx, "wp_1", `"out"`, false, now)
			require.NoError(t, err)
			assert.Equal(t, store.WaitpointStatusCompleted, completed.Status)

			// Completing again is a no-op: output is not overwritten.
			again, err := s.MarkWaitpointCompleted(ctx, "wp_1", `"other"`, true, now.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, `"out"`, again.Output)
			assert.False(t, again.OutputIsError)

			runIDs, err := s.DeleteRunWaitpointsByWaitpoint(ctx, "wp_1")
			require.NoError(t, err)
			assert.Equal(t, []string{"run_parent"}, runIDs)

			count, err = s.CountBlockersForRun(ctx, "run_parent")
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestTaskQueueUpsert(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			limit := 5
			require.NoError(t, s.UpsertTaskQueue(ctx, &store.TaskQueue{
				EnvironmentID: "e1", Name: "q1", ConcurrencyLimit: &limit, Type: store.QueueTypeNamed,
			}))

			q, err := s.GetTaskQueue(ctx, "e1", "q1")
			require.NoError(t, err)
			require.NotNil(t, q.ConcurrencyLimit)
			assert.Equal(t, 5, *q.ConcurrencyLimit)

			// Upsert to inherit the env limit.
			require.NoError(t, s.UpsertTaskQueue(ctx, &store.TaskQueue{
				EnvironmentID: "e1", Name: "q1", Type: store.QueueTypeNamed,
			}))
			q, err = s.GetTaskQueue(ctx, "e1", "q1")
			require.NoError(t, err)
			assert.Nil(t, q.ConcurrencyLimit)

			_, err = s.GetTaskQueue(ctx, "e1", "missing")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestWithTxRollback(t *testing.T) {
	// Only the sqlite backend rolls back; the memory backend documents
	// serialise-only semantics.
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateRun(ctx, newRun("run_tx")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetRun(ctx, "run_tx")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Committed transactions persist.
	require.NoError(t, s.WithTx(ctx, func(tx store.Store) error {
		return tx.CreateRun(ctx, newRun("run_tx2"))
	}))
	_, err = s.GetRun(ctx, "run_tx2")
	assert.NoError(t, err)
}

func TestListWaitingToResume(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			stale := newRun("run_stale")
			stale.Status = store.RunStatusWaitingToResume
			stale.UpdatedAt = time.Now().Add(-time.Hour)
			require.NoError(t, s.CreateRun(ctx, stale))

			fresh := newRun("run_fresh")
			fresh.Status = store.RunStatusPending
			require.NoError(t, s.CreateRun(ctx, fresh))

			runs, err := s.ListWaitingToResumeOlderThan(ctx, time.Now().Add(-time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, "run_stale", runs[0].ID)
		})
	}
}
