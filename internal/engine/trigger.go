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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BunsDev/trigger-dev/internal/engine/keys"
	"github.com/BunsDev/trigger-dev/internal/runqueue"
	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/tracing"
	"github.com/BunsDev/trigger-dev/internal/workerq"
)

const jobTypeExpireRun = "expireRun"

type runJobPayload struct {
	RunID string `json:"runId"`
}

// TriggerParams describes a new run.
type TriggerParams struct {
	TaskIdentifier string
	Payload        string
	PayloadType    string

	OrganizationID  string
	ProjectID       string
	EnvironmentID   string
	EnvironmentType keys.EnvironmentType

	// QueueName defaults to task/{TaskIdentifier}.
	QueueName string
	// QueueConcurrencyLimit, when set, is persisted on the task queue
	// and pushed to the queue's limit key.
	QueueConcurrencyLimit *int
	ConcurrencyKey        string

	MaxAttempts    int
	Priority       time.Duration
	TTL            time.Duration
	DelayUntil     *time.Time
	IdempotencyKey string
	Tags           []string

	ParentRunID              string
	ResumeParentOnCompletion bool

	// TraceContext carries the caller's W3C traceparent.
	TraceContext string
}

// Trigger creates a run and either queues it, or parks it as DELAYED
// behind a DATETIME waitpoint until its delay elapses. With an
// idempotency key, re-triggering returns the existing run as long as it
// has not finished. With ResumeParentOnCompletion the parent run is
// blocked on this run's associated waitpoint.
func (e *Engine) Trigger(ctx context.Context, p TriggerParams) (*store.Run, error) {
	if p.TaskIdentifier == "" {
		return nil, fmt.Errorf("engine: trigger requires a task identifier")
	}
	if p.IdempotencyKey != "" {
		existing, err := e.store.GetRunByIdempotencyKey(ctx, p.EnvironmentID, p.IdempotencyKey)
		switch {
		case err == nil && !existing.Status.Terminal():
			return existing, nil
		case err != nil && !errorsIsNotFound(err):
			return nil, err
		}
		// A finished run no longer dedupes; trigger a fresh one.
	}

	env := keys.Env{
		OrganizationID: p.OrganizationID,
		ProjectID:      p.ProjectID,
		EnvironmentID:  p.EnvironmentID,
		Type:           p.EnvironmentType,
	}
	queueName := p.QueueName
	queueType := store.QueueTypeNamed
	if queueName == "" {
		queueName = "task/" + p.TaskIdentifier
		queueType = store.QueueTypeVirtual
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.opts.DefaultMaxAttempts
	}

	now := e.clock()
	delayed := p.DelayUntil != nil && p.DelayUntil.After(now)

	traceContext := p.TraceContext
	if traceContext == "" {
		traceContext = tracing.CaptureTraceparent(ctx)
	}

	run := &store.Run{
		ID:                       newRunID(),
		TaskIdentifier:           p.TaskIdentifier,
		Payload:                  p.Payload,
		PayloadType:              p.PayloadType,
		OrganizationID:           p.OrganizationID,
		ProjectID:                p.ProjectID,
		EnvironmentID:            p.EnvironmentID,
		EnvironmentType:          string(p.EnvironmentType),
		QueueName:                queueName,
		MasterQueue:              keys.SharedQueueName(env),
		ConcurrencyKey:           p.ConcurrencyKey,
		IdempotencyKey:           p.IdempotencyKey,
		MaxAttempts:              maxAttempts,
		TTL:                      p.TTL,
		DelayUntil:               p.DelayUntil,
		Tags:                     p.Tags,
		ParentRunID:              p.ParentRunID,
		ResumeParentOnCompletion: p.ResumeParentOnCompletion,
		TraceContext:             traceContext,
		Status:                   store.RunStatusPending,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	run.FriendlyID = run.ID
	if p.ParentRunID != "" {
		parent, err := e.store.GetRun(ctx, p.ParentRunID)
		if err != nil {
			return nil, fmt.Errorf("engine: load parent run: %w", err)
		}
		run.ParentRunID = parent.ID
		run.RootRunID = parent.RootRunID
		if run.RootRunID == "" {
			run.RootRunID = parent.ID
		}
		run.Depth = parent.Depth + 1
	}
	if delayed {
		run.Status = store.RunStatusDelayed
	} else {
		run.QueuedAt = &now
	}

	var snap *store.ExecutionSnapshot
	var delayWaitpoint *store.Waitpoint
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		wp, err := e.waitpoints.CreateRunAssociatedWaitpoint(ctx, tx, p.ProjectID, run.ID)
		if err != nil {
			return err
		}
		run.AssociatedWaitpointID = wp.ID
		if err := tx.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("engine: create run: %w", err)
		}
		if delayed {
			// The delay is a DATETIME waitpoint blocking the run, so it
			// shows up as a blocker and can be completed early.
			delayWaitpoint, err = e.waitpoints.CreateDateTimeWaitpointIn(ctx, tx, p.ProjectID, *p.DelayUntil)
			if err != nil {
				return err
			}
			if err := e.waitpoints.BlockRun(ctx, tx, run.ID, delayWaitpoint.ID, p.ProjectID); err != nil {
				return err
			}
		}
		if err := tx.UpsertTaskQueue(ctx, &store.TaskQueue{
			EnvironmentID:    p.EnvironmentID,
			Name:             queueName,
			ConcurrencyLimit: p.QueueConcurrencyLimit,
			Type:             queueType,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			return fmt.Errorf("engine: upsert task queue: %w", err)
		}

		execStatus := store.ExecutionStatusQueued
		if delayed {
			execStatus = store.ExecutionStatusRunCreated
		}
		snap, err = e.appendSnapshot(ctx, tx, &store.ExecutionSnapshot{
			RunID:           run.ID,
			ExecutionStatus: execStatus,
			RunStatus:       run.Status,
			Description:     "run triggered",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if p.QueueConcurrencyLimit != nil {
		queue := keys.Queue{Env: env, Name: queueName}
		if err := e.queue.SetQueueConcurrencyLimit(ctx, queue, *p.QueueConcurrencyLimit); err != nil {
			e.logger.Error("setting queue concurrency limit", "queue", queueName, "error", err)
		}
	}

	if delayed {
		if err := e.waitpoints.ArmDateTimeTimer(ctx, delayWaitpoint); err != nil {
			return nil, err
		}
	} else {
		if err := e.queue.Enqueue(ctx, e.triggerMessage(run, p.Priority), now); err != nil {
			return nil, fmt.Errorf("engine: enqueue run %s: %w", run.ID, err)
		}
	}
	if p.TTL > 0 {
		if err := e.scheduleRunJob(ctx, jobTypeExpireRun, run.ID, now.Add(p.TTL)); err != nil {
			return nil, err
		}
	}
	e.armStallCheck(ctx, snap)

	if p.ResumeParentOnCompletion && run.ParentRunID != "" {
		if err := e.BlockRunWithWaitpoint(ctx, run.ParentRunID, run.AssociatedWaitpointID); err != nil {
			return nil, fmt.Errorf("engine: block parent %s: %w", run.ParentRunID, err)
		}
	}

	metricRunsTriggered.Inc()
	e.logger.Info("run triggered",
		"run", run.ID, "task", run.TaskIdentifier, "queue", queueName, "delayed", delayed)
	return run, nil
}

func (e *Engine) triggerMessage(run *store.Run, priority time.Duration) *runqueue.Message {
	msg := e.messageFromRun(run)
	msg.Priority = priority
	msg.EnqueuedAt = run.CreatedAt
	return msg
}

// scheduleRunJob arms a deterministic per-run worker job.
func (e *Engine) scheduleRunJob(ctx context.Context, jobType, runID string, at time.Time) error {
	payload, err := json.Marshal(runJobPayload{RunID: runID})
	if err != nil {
		return err
	}
	job := workerq.Job{ID: jobType + "." + runID, Type: jobType, Payload: payload}
	if err := e.worker.Enqueue(ctx, job, at); err != nil {
		return fmt.Errorf("engine: schedule %s for run %s: %w", jobType, runID, err)
	}
	return nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
