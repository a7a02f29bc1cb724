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

package runqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BunsDev/trigger-dev/internal/engine/keys"
)

var prodEnv = keys.Env{
	OrganizationID: "o1",
	ProjectID:      "p1",
	EnvironmentID:  "e1",
	Type:           keys.EnvironmentTypeProduction,
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, Options{KeyPrefix: "engine"}, nil)
}

func newMessage(runID, queueName string) *Message {
	return &Message{
		RunID:           runID,
		TaskIdentifier:  "hello",
		OrganizationID:  prodEnv.OrganizationID,
		ProjectID:       prodEnv.ProjectID,
		EnvironmentID:   prodEnv.EnvironmentID,
		EnvironmentType: prodEnv.Type,
		QueueName:       queueName,
		MasterQueue:     "sharedQueue",
		EnqueuedAt:      time.Now(),
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	msg := newMessage("run_1", "task/hello")
	require.NoError(t, q.Enqueue(ctx, msg, time.Time{}))

	length, err := q.QueueLength(ctx, msg.Queue())
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	got, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, "hello", got.TaskIdentifier)

	// Claimed: counters incremented, queue drained.
	current, err := q.CurrentConcurrency(ctx, got.Queue())
	require.NoError(t, err)
	assert.EqualValues(t, 1, current)

	envCurrent, err := q.EnvCurrentConcurrency(ctx, prodEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 1, envCurrent)

	// Nothing left.
	none, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDequeueEmptyMasterQueue(t *testing.T) {
	q := newTestQueue(t)
	msg, err := q.Dequeue(context.Background(), "c1", "sharedQueue")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDequeueRespectsAvailableAt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	msg := newMessage("run_1", "task/hello")
	require.NoError(t, q.Enqueue(ctx, msg, time.Now().Add(time.Hour)))

	got, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	assert.Nil(t, got, "future messages must stay invisible")
}

func TestQueueConcurrencyCap(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	queue := keys.Queue{Env: prodEnv, Name: "task/hello"}
	require.NoError(t, q.SetQueueConcurrencyLimit(ctx, queue, 1))

	require.NoError(t, q.Enqueue(ctx, newMessage("run_1", "task/hello"), time.Time{}))
	require.NoError(t, q.Enqueue(ctx, newMessage("run_2", "task/hello"), time.Time{}))

	first, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second dequeue is gated by the queue limit.
	second, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	assert.Nil(t, second)

	// Ack the first; the second becomes eligible.
	require.NoError(t, q.Ack(ctx, "c1", first))

	second, err = q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "run_2", second.RunID)
}

func TestConcurrencyKeyPartition(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	queue := keys.Queue{Env: prodEnv, Name: "task/hello"}
	require.NoError(t, q.SetQueueConcurrencyLimit(ctx, queue, 1))

	m1 := newMessage("run_1", "task/hello")
	m1.ConcurrencyKey = "userA"
	m2 := newMessage("run_2", "task/hello")
	m2.ConcurrencyKey = "userB"
	require.NoError(t, q.Enqueue(ctx, m1, time.Time{}))
	require.NoError(t, q.Enqueue(ctx, m2, time.Time{}))

	first, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, first)

	// The named queue's overall limit still applies across partitions.
	second, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestAckIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("run_1", "task/hello"), time.Time{}))
	msg, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.Ack(ctx, "c1", msg))
	require.NoError(t, q.Ack(ctx, "c1", msg))

	// Counters must not go negative or double-decrement.
	current, err := q.CurrentConcurrency(ctx, msg.Queue())
	require.NoError(t, err)
	assert.Zero(t, current)

	envCurrent, err := q.EnvCurrentConcurrency(ctx, prodEnv)
	require.NoError(t, err)
	assert.Zero(t, envCurrent)
}

func TestNackRedelivers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("run_1", "task/hello"), time.Time{}))
	msg, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, msg)

	msg.AttemptCount++
	require.NoError(t, q.Nack(ctx, "c1", msg, time.Time{}))

	redelivered, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "run_1", redelivered.RunID)
	assert.Equal(t, 1, redelivered.AttemptCount, "nack must persist the updated body")
}

func TestReleaseAndReacquire(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	queue := keys.Queue{Env: prodEnv, Name: "task/hello"}
	require.NoError(t, q.SetQueueConcurrencyLimit(ctx, queue, 1))

	require.NoError(t, q.Enqueue(ctx, newMessage("run_1", "task/hello"), time.Time{}))
	msg, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Block: slot released, body kept.
	require.NoError(t, q.ReleaseConcurrency(ctx, "c1", msg))
	current, err := q.CurrentConcurrency(ctx, queue)
	require.NoError(t, err)
	assert.Zero(t, current)

	body, err := q.GetMessage(ctx, "run_1")
	require.NoError(t, err)
	require.NotNil(t, body, "message body must survive release")

	// Resume: slot re-claimed.
	ok, err := q.Reacquire(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second run now cannot reacquire past the limit.
	other := newMessage("run_2", "task/hello")
	ok, err = q.Reacquire(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok, "reacquire past the queue limit must fail")
}

func TestDequeueFairAcrossQueues(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Two busy queues; both must make progress.
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(ctx, newMessage(fmt.Sprintf("a%d", i), "task/alpha"), time.Time{}))
		require.NoError(t, q.Enqueue(ctx, newMessage(fmt.Sprintf("b%d", i), "task/beta"), time.Time{}))
	}

	seen := map[string]int{}
	for i := 0; i < 20; i++ {
		msg, err := q.Dequeue(ctx, "c1", "sharedQueue")
		require.NoError(t, err)
		require.NotNil(t, msg)
		seen[msg.QueueName]++
		require.NoError(t, q.Ack(ctx, "c1", msg))
	}

	assert.Greater(t, seen["task/alpha"], 0, "alpha starved: %v", seen)
	assert.Greater(t, seen["task/beta"], 0, "beta starved: %v", seen)
}

func TestDevEnvironmentsUseIsolatedMasterQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	devEnv := prodEnv
	devEnv.Type = keys.EnvironmentTypeDevelopment

	msg := newMessage("run_dev", "task/hello")
	msg.EnvironmentType = devEnv.Type
	msg.MasterQueue = keys.SharedQueueName(devEnv)
	require.NoError(t, q.Enqueue(ctx, msg, time.Time{}))

	// Not visible on the shared master queue.
	got, err := q.Dequeue(ctx, "c1", "sharedQueue")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.Dequeue(ctx, "c1", msg.MasterQueue)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_dev", got.RunID)
}
