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

package waitpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/store/memory"
	"github.com/BunsDev/trigger-dev/internal/workerq"
)

type recordingContinuer struct {
	calls []continuation
}

type continuation struct {
	runIDs      []string
	waitpointID string
}

func (r *recordingContinuer) ContinueRunsAfterWaitpoint(ctx context.Context, runIDs []string, waitpointID string) error {
	r.calls = append(r.calls, continuation{runIDs: runIDs, waitpointID: waitpointID})
	return nil
}

type testRig struct {
	manager   *Manager
	store     *memory.Store
	worker    *workerq.Worker
	continuer *recordingContinuer
	advance   func(time.Duration)
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Now()
	clock := func() time.Time { return now }

	st := memory.New()
	worker := workerq.New(rdb, workerq.Options{KeyPrefix: "engine"}, nil).WithClock(clock)
	m := NewManager(st, worker, nil).WithClock(clock)
	cont := &recordingContinuer{}
	m.SetContinuer(cont)
	m.RegisterHandlers()

	return &testRig{
		manager:   m,
		store:     st,
		worker:    worker,
		continuer: cont,
		advance:   func(d time.Duration) { now = now.Add(d) },
	}
}

func (r *testRig) blockRun(t *testing.T, runID, waitpointID string) {
	t.Helper()
	require.NoError(t, r.manager.BlockRun(context.Background(), r.store, runID, waitpointID, "p1"))
}

func TestCompleteWaitpointUnblocksRuns(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	wp, err := rig.manager.CreateManualWaitpoint(ctx, "p1", "")
	require.NoError(t, err)
	rig.blockRun(t, "run_1", wp.ID)
	rig.blockRun(t, "run_2", wp.ID)

	got, err := rig.manager.CompleteWaitpoint(ctx, wp.ID, `"done"`, false)
	require.NoError(t, err)
	assert.Equal(t, store.WaitpointStatusCompleted, got.Status)
	assert.Equal(t, `"done"`, got.Output)

	require.Len(t, rig.continuer.calls, 1)
	assert.ElementsMatch(t, []string{"run_1", "run_2"}, rig.continuer.calls[0].runIDs)
	assert.Equal(t, wp.ID, rig.continuer.calls[0].waitpointID)
}

func TestCompleteWaitpointKeepsOtherBlockers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	wpA, err := rig.manager.CreateManualWaitpoint(ctx, "p1", "")
	require.NoError(t, err)
	wpB, err := rig.manager.CreateManualWaitpoint(ctx, "p1", "")
	require.NoError(t, err)

	// run_1 waits on both; run_2 only on A.
	rig.blockRun(t, "run_1", wpA.ID)
	rig.blockRun(t, "run_1", wpB.ID)
	rig.blockRun(t, "run_2", wpA.ID)

	_, err = rig.manager.CompleteWaitpoint(ctx, wpA.ID, "", false)
	require.NoError(t, err)

	require.Len(t, rig.continuer.calls, 1)
	assert.Equal(t, []string{"run_2"}, rig.continuer.calls[0].runIDs,
		"run_1 still has a pending blocker")

	_, err = rig.manager.CompleteWaitpoint(ctx, wpB.ID, "", false)
	require.NoError(t, err)
	require.Len(t, rig.continuer.calls, 2)
	assert.Equal(t, []string{"run_1"}, rig.continuer.calls[1].runIDs)
}

func TestCompleteWaitpointIdempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	wp, err := rig.manager.CreateManualWaitpoint(ctx, "p1", "")
	require.NoError(t, err)

	first, err := rig.manager.CompleteWaitpoint(ctx, wp.ID, `"original"`, false)
	require.NoError(t, err)
	second, err := rig.manager.CompleteWaitpoint(ctx, wp.ID, `"overwrite"`, true)
	require.NoError(t, err)

	assert.Equal(t, `"original"`, first.Output)
	assert.Equal(t, `"original"`, second.Output, "completed output must not be overwritten")
	assert.False(t, second.OutputIsError)
}

func TestDateTimeWaitpointCompletesOnTimer(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	wp, err := rig.manager.CreateDateTimeWaitpoint(ctx, "p1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	rig.blockRun(t, "run_1", wp.ID)

	// Before the timer nothing happens.
	n, err := rig.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rig.advance(2 * time.Hour)
	n, err = rig.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := rig.store.GetWaitpoint(ctx, wp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WaitpointStatusCompleted, got.Status)
	require.Len(t, rig.continuer.calls, 1)
	assert.Equal(t, []string{"run_1"}, rig.continuer.calls[0].runIDs)
}

func TestRunAssociatedWaitpoint(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	wp, err := rig.manager.CreateRunAssociatedWaitpoint(ctx, rig.store, "p1", "run_child")
	require.NoError(t, err)
	assert.Equal(t, store.WaitpointTypeRun, wp.Type)
	assert.Equal(t, "run_child", wp.CompletedByRunID)
	assert.Equal(t, store.WaitpointStatusPending, wp.Status)
}

func TestScanOnceRecoversStaleResumes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	stale := &store.Run{
		ID:            "run_stale",
		FriendlyID:    "run_stale",
		EnvironmentID: "e1",
		Status:        store.RunStatusWaitingToResume,
		CreatedAt:     time.Now().Add(-time.Hour),
		UpdatedAt:     time.Now().Add(-time.Hour),
	}
	require.NoError(t, rig.store.CreateRun(ctx, stale))

	// A second run is also waiting but still has a pending blocker.
	blocked := &store.Run{
		ID:            "run_blocked",
		FriendlyID:    "run_blocked",
		EnvironmentID: "e1",
		Status:        store.RunStatusWaitingToResume,
		CreatedAt:     time.Now().Add(-time.Hour),
		UpdatedAt:     time.Now().Add(-time.Hour),
	}
	require.NoError(t, rig.store.CreateRun(ctx, blocked))
	wp, err := rig.manager.CreateManualWaitpoint(ctx, "p1", "")
	require.NoError(t, err)
	rig.blockRun(t, "run_blocked", wp.ID)

	n, err := rig.manager.ScanOnce(ctx, time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rig.continuer.calls, 1)
	assert.Equal(t, []string{"run_stale"}, rig.continuer.calls[0].runIDs)
}
