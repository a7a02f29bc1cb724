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

package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/engine"
	"github.com/BunsDev/trigger-dev/internal/store"
)

// fakeEngine scripts the daemon side of the protocol.
type fakeEngine struct {
	mu           sync.Mutex
	startCalls   int
	completeReqs []api.CompleteAttemptRequest
	suspendCalls int
	waitCalls    int

	latest     api.SnapshotResponse
	onStart    func(snapshotID string) (*api.StartAttemptResponse, error)
	onComplete func(req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error)
	onSuspend  func() (*api.SnapshotResponse, error)
}

func (f *fakeEngine) Dequeue(ctx context.Context, consumerID, masterQueue string, maxRuns int, maxWait time.Duration) ([]api.DequeuedRunResponse, error) {
	return nil, nil
}

func (f *fakeEngine) LatestSnapshot(ctx context.Context, token, runID string) (*api.SnapshotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.latest
	return &snap, nil
}

func (f *fakeEngine) StartAttempt(ctx context.Context, token, runID, snapshotID, workerID string) (*api.StartAttemptResponse, error) {
	f.mu.Lock()
	f.startCalls++
	fn := f.onStart
	f.mu.Unlock()
	return fn(snapshotID)
}

func (f *fakeEngine) CompleteAttempt(ctx context.Context, token, runID, snapshotID string, req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error) {
	f.mu.Lock()
	f.completeReqs = append(f.completeReqs, req)
	fn := f.onComplete
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeEngine) Heartbeat(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error) {
	return f.LatestSnapshot(ctx, token, runID)
}

func (f *fakeEngine) Suspend(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error) {
	f.mu.Lock()
	f.suspendCalls++
	fn := f.onSuspend
	f.mu.Unlock()
	return fn()
}

func (f *fakeEngine) Continue(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error) {
	return f.LatestSnapshot(ctx, token, runID)
}

func (f *fakeEngine) WaitForDuration(ctx context.Context, token, runID, snapshotID string, until time.Time) (*api.WaitpointResponse, error) {
	f.mu.Lock()
	f.waitCalls++
	f.mu.Unlock()
	return &api.WaitpointResponse{ID: "wp_1", Type: store.WaitpointTypeDateTime, Status: store.WaitpointStatusPending}, nil
}

func (f *fakeEngine) waitedOnce() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitCalls > 0
}

type funcExecutor func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

func (f funcExecutor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return f(ctx, req)
}

func testSnap(id string, status store.ExecutionStatus, attempt int) api.SnapshotResponse {
	return api.SnapshotResponse{
		ID:              id,
		RunID:           "run_1",
		ExecutionStatus: status,
		AttemptNumber:   attempt,
	}
}

func testOpts() Options {
	return Options{
		WorkerID:             "runner_1",
		HeartbeatInterval:    time.Hour,
		SnapshotPollInterval: time.Hour,
		SuspendThreshold:     time.Hour,
	}
}

func testDequeued() api.DequeuedRunResponse {
	return api.DequeuedRunResponse{
		Run:      api.RunResponse{ID: "run_1", TaskIdentifier: "hello"},
		Snapshot: testSnap("snap_1", store.ExecutionStatusDequeuedForExecution, 0),
		Token:    "tok",
	}
}

func TestSessionHappyPath(t *testing.T) {
	fake := &fakeEngine{}
	fake.onStart = func(snapshotID string) (*api.StartAttemptResponse, error) {
		require.Equal(t, "snap_1", snapshotID)
		return &api.StartAttemptResponse{
			Run:           api.RunResponse{ID: "run_1", Status: store.RunStatusExecuting},
			Snapshot:      testSnap("snap_2", store.ExecutionStatusExecuting, 1),
			AttemptNumber: 1,
		}, nil
	}
	fake.onComplete = func(req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error) {
		return &api.CompleteAttemptResponse{
			Outcome:  engine.OutcomeFinished,
			Run:      api.RunResponse{ID: "run_1", Status: store.RunStatusCompletedSuccessfully},
			Snapshot: testSnap("snap_3", store.ExecutionStatusFinished, 1),
		}, nil
	}

	exec := funcExecutor(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		require.Equal(t, 1, req.AttemptNumber)
		return &ExecutionResult{Ok: true, Output: `{"done":true}`}, nil
	})

	sess := newSession(fake, exec, slog.Default(), testOpts(), testDequeued())
	require.NoError(t, sess.Run(context.Background()))

	require.Equal(t, 1, fake.startCalls)
	require.Len(t, fake.completeReqs, 1)
	require.True(t, fake.completeReqs[0].Ok)
	require.Equal(t, `{"done":true}`, fake.completeReqs[0].Output)
}

func TestSessionImmediateRetry(t *testing.T) {
	fake := &fakeEngine{}
	fake.onStart = func(snapshotID string) (*api.StartAttemptResponse, error) {
		fake.mu.Lock()
		attempt := fake.startCalls
		fake.mu.Unlock()
		return &api.StartAttemptResponse{
			Run:           api.RunResponse{ID: "run_1", Status: store.RunStatusExecuting},
			Snapshot:      testSnap("snap_exec", store.ExecutionStatusExecuting, attempt),
			AttemptNumber: attempt,
		}, nil
	}
	fake.onComplete = func(req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error) {
		fake.mu.Lock()
		n := len(fake.completeReqs)
		fake.mu.Unlock()
		if n == 1 {
			return &api.CompleteAttemptResponse{
				Outcome:    engine.OutcomeRetryImmediately,
				Snapshot:   testSnap("snap_retry", store.ExecutionStatusPendingExecuting, 1),
				RetryAfter: "1ms",
			}, nil
		}
		return &api.CompleteAttemptResponse{
			Outcome:  engine.OutcomeFinished,
			Snapshot: testSnap("snap_done", store.ExecutionStatusFinished, 2),
		}, nil
	}

	var execCalls int
	var execMu sync.Mutex
	exec := funcExecutor(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		execMu.Lock()
		execCalls++
		n := execCalls
		execMu.Unlock()
		if n == 1 {
			return &ExecutionResult{Ok: false, Error: &store.RunError{Type: "TASK_RUN_ERROR", Message: "flaky"}}, nil
		}
		return &ExecutionResult{Ok: true}, nil
	})

	sess := newSession(fake, exec, slog.Default(), testOpts(), testDequeued())
	require.NoError(t, sess.Run(context.Background()))

	require.Equal(t, 2, fake.startCalls)
	require.Len(t, fake.completeReqs, 2)
	require.Equal(t, 2, execCalls)
}

func TestSessionCancellation(t *testing.T) {
	fake := &fakeEngine{}
	fake.onStart = func(string) (*api.StartAttemptResponse, error) {
		return &api.StartAttemptResponse{
			Run:           api.RunResponse{ID: "run_1"},
			Snapshot:      testSnap("snap_2", store.ExecutionStatusExecuting, 1),
			AttemptNumber: 1,
		}, nil
	}
	fake.onComplete = func(req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error) {
		return &api.CompleteAttemptResponse{
			Outcome:  engine.OutcomeFinished,
			Run:      api.RunResponse{ID: "run_1", Status: store.RunStatusCanceled},
			Snapshot: testSnap("snap_3", store.ExecutionStatusFinished, 1),
		}, nil
	}

	executing := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		close(executing)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sess := newSession(fake, exec, slog.Default(), testOpts(), testDequeued())

	go func() {
		<-executing
		sess.handleSnapshotChange(context.Background(),
			testSnap("snap_cancel", store.ExecutionStatusPendingCancel, 1))
	}()

	require.NoError(t, sess.Run(context.Background()))
	require.Len(t, fake.completeReqs, 1)
	require.NotNil(t, fake.completeReqs[0].Error)
	require.Equal(t, "TASK_RUN_CANCELLED", fake.completeReqs[0].Error.Type)
}

func TestSessionTakeoverAbandonsAttempt(t *testing.T) {
	fake := &fakeEngine{}
	fake.onStart = func(string) (*api.StartAttemptResponse, error) {
		return &api.StartAttemptResponse{
			Run:           api.RunResponse{ID: "run_1"},
			Snapshot:      testSnap("snap_2", store.ExecutionStatusExecuting, 1),
			AttemptNumber: 1,
		}, nil
	}

	executing := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		close(executing)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sess := newSession(fake, exec, slog.Default(), testOpts(), testDequeued())

	go func() {
		<-executing
		sess.handleSnapshotChange(context.Background(),
			testSnap("snap_other", store.ExecutionStatusExecuting, 2))
	}()

	require.NoError(t, sess.Run(context.Background()))
	// The attempt belongs to another worker; nothing to report.
	require.Empty(t, fake.completeReqs)
}

func TestWaitUntilShortWaitResumesInPlace(t *testing.T) {
	fake := &fakeEngine{}
	fake.latest = testSnap("snap_wait", store.ExecutionStatusExecutingWithWaitpoints, 1)
	fake.onStart = func(string) (*api.StartAttemptResponse, error) {
		return &api.StartAttemptResponse{
			Run:           api.RunResponse{ID: "run_1"},
			Snapshot:      testSnap("snap_2", store.ExecutionStatusExecuting, 1),
			AttemptNumber: 1,
		}, nil
	}
	fake.onComplete = func(req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error) {
		return &api.CompleteAttemptResponse{
			Outcome:  engine.OutcomeFinished,
			Snapshot: testSnap("snap_done", store.ExecutionStatusFinished, 1),
		}, nil
	}

	var gotWaitpoints []string
	exec := funcExecutor(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		ids, err := req.Controller.WaitUntil(ctx, time.Now().Add(50*time.Millisecond))
		if err != nil {
			return nil, err
		}
		gotWaitpoints = ids
		return &ExecutionResult{Ok: true}, nil
	})

	sess := newSession(fake, exec, slog.Default(), testOpts(), testDequeued())

	go func() {
		for !fake.waitedOnce() {
			time.Sleep(time.Millisecond)
		}
		resumed := testSnap("snap_resume", store.ExecutionStatusExecuting, 1)
		resumed.CompletedWaitpointIDs = []string{"wp_1"}
		sess.handleSnapshotChange(context.Background(), resumed)
	}()

	require.NoError(t, sess.Run(context.Background()))
	require.Equal(t, []string{"wp_1"}, gotWaitpoints)
	require.Len(t, fake.completeReqs, 1)
	require.True(t, fake.completeReqs[0].Ok)
}

func TestWaitUntilLongWaitSuspends(t *testing.T) {
	fake := &fakeEngine{}
	fake.latest = testSnap("snap_wait", store.ExecutionStatusExecutingWithWaitpoints, 1)
	fake.onStart = func(string) (*api.StartAttemptResponse, error) {
		return &api.StartAttemptResponse{
			Run:           api.RunResponse{ID: "run_1"},
			Snapshot:      testSnap("snap_2", store.ExecutionStatusExecuting, 1),
			AttemptNumber: 1,
		}, nil
	}
	fake.onSuspend = func() (*api.SnapshotResponse, error) {
		snap := testSnap("snap_susp", store.ExecutionStatusSuspended, 1)
		return &snap, nil
	}

	exec := funcExecutor(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		_, err := req.Controller.WaitUntil(ctx, time.Now().Add(time.Hour))
		return nil, err
	})

	opts := testOpts()
	opts.SuspendThreshold = 10 * time.Millisecond
	sess := newSession(fake, exec, slog.Default(), opts, testDequeued())

	require.NoError(t, sess.Run(context.Background()))
	require.Equal(t, 1, fake.suspendCalls)
	// The run detached; its eventual result is not ours to report.
	require.Empty(t, fake.completeReqs)
}

func TestSupervisorExecutesDequeuedRun(t *testing.T) {
	fake := &fakeEngine{}
	var dequeues int
	var mu sync.Mutex

	fake.onStart = func(string) (*api.StartAttemptResponse, error) {
		return &api.StartAttemptResponse{
			Run:           api.RunResponse{ID: "run_1"},
			Snapshot:      testSnap("snap_2", store.ExecutionStatusExecuting, 1),
			AttemptNumber: 1,
		}, nil
	}
	done := make(chan struct{})
	fake.onComplete = func(req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error) {
		close(done)
		return &api.CompleteAttemptResponse{
			Outcome:  engine.OutcomeFinished,
			Snapshot: testSnap("snap_3", store.ExecutionStatusFinished, 1),
		}, nil
	}

	client := &dequeueOnce{fakeEngine: fake, mu: &mu, calls: &dequeues}
	exec := funcExecutor(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{Ok: true}, nil
	})

	sup := New(client, exec, slog.Default(), Options{
		Capacity:             2,
		HeartbeatInterval:    time.Hour,
		SnapshotPollInterval: time.Hour,
		WarmStartTimeout:     10 * time.Millisecond,
		DequeueRate:          1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not executed")
	}
	cancel()
	require.NoError(t, <-errCh)
}

// dequeueOnce hands out one run on the first call, then nothing.
type dequeueOnce struct {
	*fakeEngine
	mu    *sync.Mutex
	calls *int
}

func (d *dequeueOnce) Dequeue(ctx context.Context, consumerID, masterQueue string, maxRuns int, maxWait time.Duration) ([]api.DequeuedRunResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.calls++
	if *d.calls == 1 {
		return []api.DequeuedRunResponse{testDequeued()}, nil
	}
	return nil, nil
}
