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
	"fmt"

	"github.com/BunsDev/trigger-dev/internal/engine/keys"
	"github.com/BunsDev/trigger-dev/internal/store"
)

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	QueueName          string
	Length             int64
	CurrentConcurrency int64
	ConcurrencyLimit   *int
}

// SetQueueConcurrencyLimit persists a queue concurrency limit and
// applies it to the live queue. The limit takes effect on the next
// dequeue.
func (e *Engine) SetQueueConcurrencyLimit(ctx context.Context, env keys.Env, queueName string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("engine: concurrency limit must be positive")
	}
	now := e.clock()
	err := e.store.UpsertTaskQueue(ctx, &store.TaskQueue{
		EnvironmentID:    env.EnvironmentID,
		Name:             queueName,
		ConcurrencyLimit: &limit,
		Type:             store.QueueTypeNamed,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return err
	}
	return e.queue.SetQueueConcurrencyLimit(ctx, keys.Queue{Env: env, Name: queueName}, limit)
}

// RemoveQueueConcurrencyLimit clears a queue limit so the queue falls
// back to the environment limit.
func (e *Engine) RemoveQueueConcurrencyLimit(ctx context.Context, env keys.Env, queueName string) error {
	now := e.clock()
	err := e.store.UpsertTaskQueue(ctx, &store.TaskQueue{
		EnvironmentID: env.EnvironmentID,
		Name:          queueName,
		Type:          store.QueueTypeNamed,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return err
	}
	return e.queue.RemoveQueueConcurrencyLimit(ctx, keys.Queue{Env: env, Name: queueName})
}

// SetEnvConcurrencyLimit applies an environment-wide concurrency limit.
func (e *Engine) SetEnvConcurrencyLimit(ctx context.Context, env keys.Env, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("engine: concurrency limit must be positive")
	}
	return e.queue.SetEnvConcurrencyLimit(ctx, env, limit)
}

// QueueStats reports queue length and concurrency for introspection.
func (e *Engine) QueueStats(ctx context.Context, env keys.Env, queueName string) (*QueueStats, error) {
	q := keys.Queue{Env: env, Name: queueName}
	length, err := e.queue.QueueLength(ctx, q)
	if err != nil {
		return nil, err
	}
	current, err := e.queue.CurrentConcurrency(ctx, q)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{
		QueueName:          queueName,
		Length:             length,
		CurrentConcurrency: current,
	}
	tq, err := e.store.GetTaskQueue(ctx, env.EnvironmentID, queueName)
	if err == nil {
		stats.ConcurrencyLimit = tq.ConcurrencyLimit
	} else if !errorsIsNotFound(err) {
		return nil, err
	}
	return stats, nil
}
