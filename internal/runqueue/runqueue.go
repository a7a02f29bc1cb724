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

// Package runqueue implements the Redis-backed, fair, weighted,
// multi-tenant run queue with per-queue, per-environment and per-task
// concurrency enforcement.
//
// Queue contents are sorted sets of message ids scored by availability
// time; message bodies are stored by reference under message:{id}. A
// master-queue sorted set indexes the queues that currently hold
// messages, scored by their earliest available message, so a dequeuer
// can sample candidates without scanning.
package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BunsDev/trigger-dev/internal/engine/fairness"
	"github.com/BunsDev/trigger-dev/internal/engine/keys"
)

// DefaultEnvConcurrencyLimit applies when an environment has no limit
// key set.
const DefaultEnvConcurrencyLimit = 100

// Message is a queue element. Queues hold only ids; the body lives
// under message:{RunID}.
type Message struct {
	RunID           string               `json:"runId"`
	TaskIdentifier  string               `json:"taskIdentifier"`
	OrganizationID  string               `json:"orgId"`
	ProjectID       string               `json:"projectId"`
	EnvironmentID   string               `json:"environmentId"`
	EnvironmentType keys.EnvironmentType `json:"environmentType"`
	QueueName       string               `json:"queueName"`
	ConcurrencyKey  string               `json:"concurrencyKey,omitempty"`
	MasterQueue     string               `json:"masterQueue"`
	EnqueuedAt      time.Time            `json:"enqueuedAt"`
	AttemptCount    int                  `json:"attemptCount"`
	// Priority shifts the message's score earlier by this duration.
	Priority time.Duration `json:"priority,omitempty"`
}

// Env returns the message's environment descriptor.
func (m *Message) Env() keys.Env {
	return keys.Env{
		OrganizationID: m.OrganizationID,
		ProjectID:      m.ProjectID,
		EnvironmentID:  m.EnvironmentID,
		Type:           m.EnvironmentType,
	}
}

// Queue returns the message's queue descriptor.
func (m *Message) Queue() keys.Queue {
	return keys.Queue{Env: m.Env(), Name: m.QueueName, ConcurrencyKey: m.ConcurrencyKey}
}

// Options configure a Queue.
type Options struct {
	// KeyPrefix namespaces all keys.
	KeyPrefix string
	// DefaultEnvConcurrencyLimit applies when no env limit key is set.
	DefaultEnvConcurrencyLimit int
	// DequeueCandidates caps how many queues one dequeue call samples
	// from the master queue.
	DequeueCandidates int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DefaultEnvConcurrencyLimit <= 0 {
		out.DefaultEnvConcurrencyLimit = DefaultEnvConcurrencyLimit
	}
	if out.DequeueCandidates <= 0 {
		out.DequeueCandidates = fairness.DefaultQueueCandidates
	}
	return out
}

// Queue is the run queue.
type Queue struct {
	rdb         redis.UniversalClient
	keys        *keys.Producer
	opts        Options
	envPicker   *fairness.Strategy
	queuePicker *fairness.Strategy
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a run queue.
func New(rdb redis.UniversalClient, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	o := opts.withDefaults()
	return &Queue{
		rdb:         rdb,
		keys:        keys.NewProducer(o.KeyPrefix),
		opts:        o,
		envPicker:   fairness.New(fairness.DefaultEnvCandidates),
		queuePicker: fairness.New(fairness.DefaultQueueCandidates),
		logger:      logger.With(slog.String("component", "runqueue")),
		now:         time.Now,
	}
}

// Keys exposes the key producer, shared with the engine.
func (q *Queue) Keys() *keys.Producer { return q.keys }

// WithClock overrides the clock, for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue writes the message body and appends the id to its queue with
// score enqueue-time minus priority offset, then publishes master-queue
// membership. availableAt defers visibility (retry delays, reschedule).
func (q *Queue) Enqueue(ctx context.Context, msg *Message, availableAt time.Time) error {
	if msg.RunID == "" {
		return errors.New("runqueue: message has no run id")
	}
	if availableAt.IsZero() {
		availableAt = msg.EnqueuedAt
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.RunID, err)
	}

	score := availableAt.Add(-msg.Priority).UnixMilli()
	queueKey := q.keys.QueueKey(msg.Queue())
	masterKey := q.keys.MasterQueueKey(msg.MasterQueue)
	messageKey := q.keys.MessageKey(msg.RunID)

	err = enqueueScript.Run(ctx, q.rdb,
		[]string{queueKey, masterKey, messageKey},
		score, string(body), msg.RunID).Err()
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", msg.RunID, err)
	}
	metricEnqueued.Inc()
	return nil
}

// Dequeue performs the two-level fair selection: pick an environment
// under the master queue, then a queue within it, then atomically claim
// the earliest available message while incrementing all three
// concurrency counters. Returns nil when no candidate yields a message.
func (q *Queue) Dequeue(ctx context.Context, consumerID, masterQueue string) (*Message, error) {
	nowMs := q.now().UnixMilli()
	masterKey := q.keys.MasterQueueKey(masterQueue)

	candidates, err := q.rdb.ZRangeByScore(ctx, masterKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMs, 10),
		Count: int64(q.opts.DequeueCandidates),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("sampling master queue %s: %w", masterQueue, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Group candidate queues by environment.
	byEnv := make(map[string][]string)
	var envs []string
	for _, queueKey := range candidates {
		envKey, err := keys.EnvKeyFromQueue(queueKey)
		if err != nil {
			q.logger.Warn("dropping malformed master queue member",
				slog.String("member", queueKey), slog.Any("error", err))
			q.rdb.ZRem(ctx, masterKey, queueKey)
			continue
		}
		if _, seen := byEnv[envKey]; !seen {
			envs = append(envs, envKey)
		}
		byEnv[envKey] = append(byEnv[envKey], queueKey)
	}

	// Try environments fairly until one yields a message.
	for len(envs) > 0 {
		envKey := q.envPicker.Choose(envs)
		queues := byEnv[envKey]

		for len(queues) > 0 {
			queueKey := q.queuePicker.Choose(queues)
			msg, err := q.tryDequeue(ctx, consumerID, masterKey, queueKey, nowMs)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				metricDequeued.Inc()
				metricQueueWait.Observe(time.Since(msg.EnqueuedAt).Seconds())
				return msg, nil
			}
			queues = remove(queues, queueKey)
		}
		envs = remove(envs, envKey)
	}
	return nil, nil
}

// tryDequeue runs the atomic claim script against one queue.
func (q *Queue) tryDequeue(ctx context.Context, consumerID, masterKey, queueKey string, nowMs int64) (*Message, error) {
	desc, err := q.keys.QueueFromKey(queueKey)
	if err != nil {
		return nil, err
	}
	metricDequeueAttempts.Inc()

	res, err := dequeueScript.Run(ctx, q.rdb,
		q.scriptKeys(desc, masterKey, consumerID),
		nowMs, q.opts.DefaultEnvConcurrencyLimit, q.keys.MessageKeyPrefix()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeueing from %s: %w", queueKey, err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, nil
	}
	body, _ := pair[1].(string)
	if body == "" {
		// Queue entry without a body; the id was already claimed, so
		// counters will be released by the stall-check path.
		q.logger.Error("dequeued message without body", slog.String("queue", queueKey))
		return nil, nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("decoding message from %s: %w", queueKey, err)
	}
	return &msg, nil
}

// scriptKeys assembles the shared KEYS layout for the concurrency
// scripts.
func (q *Queue) scriptKeys(desc keys.Queue, masterKey, consumerID string) []string {
	baseQueue := keys.Queue{Env: desc.Env, Name: desc.Name}
	queueCurrent := q.keys.QueueCurrentConcurrencyKey(baseQueue)
	ckCurrent := queueCurrent
	if desc.ConcurrencyKey != "" {
		ckCurrent = q.keys.QueueCurrentConcurrencyKey(desc)
	}
	return []string{
		q.keys.QueueKey(desc),
		queueCurrent,
		ckCurrent,
		q.keys.QueueConcurrencyLimitKey(desc),
		q.keys.EnvCurrentConcurrencyKey(desc.Env),
		q.keys.EnvConcurrencyLimitKey(desc.Env),
		q.keys.TaskCurrentConcurrencyKey(taskFromQueueName(desc.Name)),
		q.keys.TaskConcurrencyLimitKey(taskFromQueueName(desc.Name)),
		masterKey,
		q.keys.InFlightKey(consumerID),
	}
}

// Ack acknowledges a delivered message: counters released, in-flight
// claim and body removed. Idempotent.
func (q *Queue) Ack(ctx context.Context, consumerID string, msg *Message) error {
	masterKey := q.keys.MasterQueueKey(msg.MasterQueue)
	err := ackScript.Run(ctx, q.rdb,
		q.scriptKeys(msg.Queue(), masterKey, consumerID),
		msg.RunID, q.keys.MessageKey(msg.RunID)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("acking %s: %w", msg.RunID, err)
	}
	metricAcked.Inc()
	return nil
}

// Nack releases counters and re-inserts the message so it can be
// delivered again at retryAt (defaults to now). Idempotent.
func (q *Queue) Nack(ctx context.Context, consumerID string, msg *Message, retryAt time.Time) error {
	if retryAt.IsZero() {
		retryAt = q.now()
	}
	// Re-persist the body: attempt count may have advanced.
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.RunID, err)
	}
	if err := q.rdb.Set(ctx, q.keys.MessageKey(msg.RunID), body, 0).Err(); err != nil {
		return fmt.Errorf("storing message %s: %w", msg.RunID, err)
	}

	masterKey := q.keys.MasterQueueKey(msg.MasterQueue)
	err = nackScript.Run(ctx, q.rdb,
		q.scriptKeys(msg.Queue(), masterKey, consumerID),
		msg.RunID, retryAt.Add(-msg.Priority).UnixMilli()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("nacking %s: %w", msg.RunID, err)
	}
	metricNacked.Inc()
	return nil
}

// ReleaseConcurrency frees a blocked run's concurrency slots without
// re-queueing it. The message body survives so Enqueue/Reacquire can
// restore the run later.
func (q *Queue) ReleaseConcurrency(ctx context.Context, consumerID string, msg *Message) error {
	masterKey := q.keys.MasterQueueKey(msg.MasterQueue)
	err := releaseScript.Run(ctx, q.rdb,
		q.scriptKeys(msg.Queue(), masterKey, consumerID),
		msg.RunID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing concurrency for %s: %w", msg.RunID, err)
	}
	return nil
}

// Reacquire attempts to re-claim concurrency for a resuming run.
// Returns false when any limit would be exceeded; the caller must
// re-queue instead.
func (q *Queue) Reacquire(ctx context.Context, msg *Message) (bool, error) {
	masterKey := q.keys.MasterQueueKey(msg.MasterQueue)
	res, err := reacquireScript.Run(ctx, q.rdb,
		q.scriptKeys(msg.Queue(), masterKey, ""),
		msg.RunID, q.opts.DefaultEnvConcurrencyLimit).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("reacquiring concurrency for %s: %w", msg.RunID, err)
	}
	return res == 1, nil
}

// GetMessage loads a message body by run id. Returns nil when absent.
func (q *Queue) GetMessage(ctx context.Context, runID string) (*Message, error) {
	body, err := q.rdb.Get(ctx, q.keys.MessageKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", runID, err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", runID, err)
	}
	return &msg, nil
}

// SetQueueConcurrencyLimit writes a queue's concurrency limit. In-flight
// counts are unaffected.
func (q *Queue) SetQueueConcurrencyLimit(ctx context.Context, queue keys.Queue, limit int) error {
	return q.rdb.Set(ctx, q.keys.QueueConcurrencyLimitKey(queue), limit, 0).Err()
}

// RemoveQueueConcurrencyLimit deletes a queue's limit key; the queue
// inherits the environment limit again.
func (q *Queue) RemoveQueueConcurrencyLimit(ctx context.Context, queue keys.Queue) error {
	return q.rdb.Del(ctx, q.keys.QueueConcurrencyLimitKey(queue)).Err()
}

// SetEnvConcurrencyLimit writes an environment's concurrency limit.
func (q *Queue) SetEnvConcurrencyLimit(ctx context.Context, env keys.Env, limit int) error {
	return q.rdb.Set(ctx, q.keys.EnvConcurrencyLimitKey(env), limit, 0).Err()
}

// SetTaskConcurrencyLimit writes a task identifier's concurrency limit.
func (q *Queue) SetTaskConcurrencyLimit(ctx context.Context, taskIdentifier string, limit int) error {
	return q.rdb.Set(ctx, q.keys.TaskConcurrencyLimitKey(taskIdentifier), limit, 0).Err()
}

// InFlightRuns returns the run ids a consumer currently holds claims
// for: added at dequeue, removed on ack, nack or concurrency release.
func (q *Queue) InFlightRuns(ctx context.Context, consumerID string) ([]string, error) {
	return q.rdb.SMembers(ctx, q.keys.InFlightKey(consumerID)).Result()
}

// QueueLength returns the number of queued messages.
func (q *Queue) QueueLength(ctx context.Context, queue keys.Queue) (int64, error) {
	return q.rdb.ZCard(ctx, q.keys.QueueKey(queue)).Result()
}

// CurrentConcurrency returns the in-flight count for a queue.
func (q *Queue) CurrentConcurrency(ctx context.Context, queue keys.Queue) (int64, error) {
	return q.rdb.SCard(ctx, q.keys.QueueCurrentConcurrencyKey(queue)).Result()
}

// EnvCurrentConcurrency returns the in-flight count for an environment.
func (q *Queue) EnvCurrentConcurrency(ctx context.Context, env keys.Env) (int64, error) {
	return q.rdb.SCard(ctx, q.keys.EnvCurrentConcurrencyKey(env)).Result()
}

// taskFromQueueName recovers the task identifier from the conventional
// task/{identifier} queue name; custom queue names map to themselves.
func taskFromQueueName(queueName string) string {
	const prefix = "task/"
	if len(queueName) > len(prefix) && queueName[:len(prefix)] == prefix {
		return queueName[len(prefix):]
	}
	return queueName
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
