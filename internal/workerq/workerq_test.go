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

package workerq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWorker(t *testing.T, opts Options) (*Worker, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clock := &fakeClock{now: time.Now()}
	w := New(rdb, opts, nil).WithClock(clock.Now)
	return w, clock
}

func TestEnqueueAndClaim(t *testing.T) {
	w, clock := newTestWorker(t, Options{KeyPrefix: "engine"})
	ctx := context.Background()

	var got []string
	w.Register("ping", func(ctx context.Context, job *Job) error {
		got = append(got, job.ID)
		return nil
	})

	require.NoError(t, w.Enqueue(ctx, Job{ID: "j1", Type: "ping"}, clock.Now().Add(time.Minute)))

	// Not due yet.
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"j1"}, got)

	// Acked: a second pass finds nothing.
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueSameIDReplaces(t *testing.T) {
	w, clock := newTestWorker(t, Options{KeyPrefix: "engine"})
	ctx := context.Background()

	var payloads []string
	w.Register("heartbeat", func(ctx context.Context, job *Job) error {
		var s string
		require.NoError(t, json.Unmarshal(job.Payload, &s))
		payloads = append(payloads, s)
		return nil
	})

	first, _ := json.Marshal("first")
	second, _ := json.Marshal("second")
	require.NoError(t, w.Enqueue(ctx, Job{ID: "hb.snap_1", Type: "heartbeat", Payload: first}, clock.Now().Add(time.Second)))
	require.NoError(t, w.Enqueue(ctx, Job{ID: "hb.snap_1", Type: "heartbeat", Payload: second}, clock.Now().Add(time.Hour)))

	// The reschedule pushed the timer out past the original run-at.
	clock.Advance(time.Minute)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Hour)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, []string{"second"}, payloads)
}

func TestRearmedJobSurvivesClaimCompletion(t *testing.T) {
	w, clock := newTestWorker(t, Options{KeyPrefix: "engine"})
	ctx := context.Background()

	// A watchdog handler reschedules itself under the same id. The ack
	// of the claimed job must not take the rescheduled timer with it.
	fired := 0
	w.Register("watchdog", func(ctx context.Context, job *Job) error {
		fired++
		return w.Enqueue(ctx, Job{ID: job.ID, Type: job.Type, Payload: job.Payload}, clock.Now().Add(time.Minute))
	})

	require.NoError(t, w.Enqueue(ctx, Job{ID: "watchdog.r1", Type: "watchdog"}, clock.Now()))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clock.Advance(2 * time.Minute)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "rescheduled job must fire again")
	assert.Equal(t, 2, fired)
}

func TestCancel(t *testing.T) {
	w, clock := newTestWorker(t, Options{KeyPrefix: "engine"})
	ctx := context.Background()

	w.Register("ping", func(ctx context.Context, job *Job) error {
		t.Fatal("cancelled job must not run")
		return nil
	})

	require.NoError(t, w.Enqueue(ctx, Job{ID: "j1", Type: "ping"}, clock.Now()))
	require.NoError(t, w.Cancel(ctx, "j1"))
	require.NoError(t, w.Cancel(ctx, "j1"))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryWithBackoff(t *testing.T) {
	w, clock := newTestWorker(t, Options{KeyPrefix: "engine", MaxAttempts: 3})
	ctx := context.Background()

	calls := 0
	w.Register("flaky", func(ctx context.Context, job *Job) error {
		calls++
		return errors.New("boom")
	})

	require.NoError(t, w.Enqueue(ctx, Job{ID: "j1", Type: "flaky"}, clock.Now()))

	for i := 0; i < 5; i++ {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
	}

	assert.Equal(t, 3, calls, "job must stop after MaxAttempts")
}

func TestUnhandledJobTypeDropped(t *testing.T) {
	w, clock := newTestWorker(t, Options{KeyPrefix: "engine"})
	ctx := context.Background()

	require.NoError(t, w.Enqueue(ctx, Job{ID: "j1", Type: "unknown"}, clock.Now()))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "unhandled job must not redeliver")
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	w, clock := newTestWorker(t, Options{KeyPrefix: "engine", VisibilityTimeout: time.Minute})
	ctx := context.Background()

	// Claim without dispatching, simulating a worker crash.
	require.NoError(t, w.Enqueue(ctx, Job{ID: "j1", Type: "ping"}, clock.Now()))
	jobs, err := w.claim(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Within the visibility window nothing is claimable.
	jobs, err = w.claim(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clock.Advance(2 * time.Minute)
	jobs, err = w.claim(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "job must redeliver after the visibility timeout")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, _ := newTestWorker(t, Options{KeyPrefix: "engine", PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
