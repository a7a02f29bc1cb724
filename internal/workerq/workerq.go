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

// Package workerq is a small Redis-backed delayed-job worker. Jobs are
// scheduled into a sorted set keyed by their run-at time and claimed with
// a visibility timeout, so a crashed worker's jobs become claimable again.
//
// Job ids are caller-chosen. Enqueueing an id that is already scheduled
// replaces the existing job, which makes rescheduling (heartbeat
// extension, debounced timers) a plain enqueue.
package workerq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BunsDev/trigger-dev/internal/engine/keys"
)

// Job is a unit of deferred work. Payload is handler-defined.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	// Token distinguishes successive jobs enqueued under the same id,
	// so completing a stale claim cannot remove a replacement.
	Token string `json:"token,omitempty"`

	// raw is the body this job was claimed with.
	raw string
}

// Handler processes one claimed job. A nil return acknowledges the job;
// an error reschedules it with backoff until MaxAttempts is reached.
type Handler func(ctx context.Context, job *Job) error

// Options configures a Worker. Zero values take the defaults below.
type Options struct {
	KeyPrefix         string
	PollInterval      time.Duration // default 1s
	VisibilityTimeout time.Duration // default 2m
	MaxAttempts       int           // default 10
	BatchSize         int           // default 10
	Concurrency       int           // default 10
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
}

// Worker schedules and executes delayed jobs.
type Worker struct {
	rdb    redis.UniversalClient
	keys   *keys.Producer
	opts   Options
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a worker. Handlers are registered with Register before
// Run is called.
func New(rdb redis.UniversalClient, opts Options, logger *slog.Logger) *Worker {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		rdb:      rdb,
		keys:     keys.NewProducer(opts.KeyPrefix),
		opts:     opts,
		logger:   logger,
		clock:    time.Now,
		handlers: make(map[string]Handler),
	}
}

// WithClock replaces the time source. Tests only.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Register installs the handler for a job type. Registering the same
// type twice replaces the handler.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Enqueue schedules a job to run at runAt. A zero runAt means now. An
// existing job with the same id is replaced, body and timer both.
func (w *Worker) Enqueue(ctx context.Context, job Job, runAt time.Time) error {
	if job.ID == "" || job.Type == "" {
		return fmt.Errorf("workerq: job id and type are required")
	}
	if runAt.IsZero() {
		runAt = w.clock()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = w.clock()
	}
	if job.Token == "" {
		job.Token = uuid.NewString()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("workerq: marshal job %s: %w", job.ID, err)
	}
	err = enqueueJobScript.Run(ctx, w.rdb,
		[]string{w.keys.WorkerScheduledKey(), w.keys.WorkerJobsKey()},
		runAt.UnixMilli(), job.ID, body,
	).Err()
	if err != nil {
		return fmt.Errorf("workerq: enqueue %s: %w", job.ID, err)
	}
	metricJobsEnqueued.Inc()
	return nil
}

// Cancel removes a scheduled job. Cancelling an unknown id is a no-op.
func (w *Worker) Cancel(ctx context.Context, jobID string) error {
	err := cancelJobScript.Run(ctx, w.rdb,
		[]string{w.keys.WorkerScheduledKey(), w.keys.WorkerJobsKey()},
		jobID,
	).Err()
	if err != nil {
		return fmt.Errorf("workerq: cancel %s: %w", jobID, err)
	}
	return nil
}

// ack removes a claimed job once it is done. The removal is
// conditional on the stored body still matching the claim: a handler
// that re-enqueued the same id replaced the body, and that
// replacement's timer must stand.
func (w *Worker) ack(ctx context.Context, job *Job) error {
	if job.raw == "" {
		return w.Cancel(ctx, job.ID)
	}
	err := ackJobScript.Run(ctx, w.rdb,
		[]string{w.keys.WorkerScheduledKey(), w.keys.WorkerJobsKey()},
		job.ID, job.raw,
	).Err()
	if err != nil {
		return fmt.Errorf("workerq: ack %s: %w", job.ID, err)
	}
	return nil
}

// Nack reschedules a claimed job to run again at retryAt, persisting the
// job body so attempt counts survive.
func (w *Worker) Nack(ctx context.Context, job *Job, retryAt time.Time) error {
	return w.Enqueue(ctx, *job, retryAt)
}

// claim pops up to BatchSize due jobs, pushing their timers out by the
// visibility timeout so they redeliver if this process dies mid-flight.
func (w *Worker) claim(ctx context.Context) ([]*Job, error) {
	now := w.clock()
	res, err := claimJobsScript.Run(ctx, w.rdb,
		[]string{w.keys.WorkerScheduledKey(), w.keys.WorkerJobsKey()},
		now.UnixMilli(), now.Add(w.opts.VisibilityTimeout).UnixMilli(), w.opts.BatchSize,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("workerq: claim: %w", err)
	}
	jobs := make([]*Job, 0, len(res))
	for _, raw := range res {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			w.logger.Error("dropping undecodable job", "error", err)
			continue
		}
		job.raw = body
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Run polls for due jobs until the context is cancelled. Claimed jobs
// are dispatched concurrently, bounded by Options.Concurrency.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		jobs, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("claiming jobs", "error", err)
		}
		for _, job := range jobs {
			sem <- struct{}{}
			wg.Add(1)
			go func(job *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				w.dispatch(ctx, job)
			}(job)
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	wg.Wait()
	return ctx.Err()
}

// RunOnce claims and dispatches a single batch synchronously. Tests and
// manual draining.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.dispatch(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) dispatch(ctx context.Context, job *Job) {
	logger := w.logger.With("job", job.ID, "type", job.Type, "attempts", job.Attempts)

	h, ok := w.handler(job.Type)
	if !ok {
		logger.Error("no handler registered, dropping job")
		if err := w.ack(ctx, job); err != nil {
			logger.Error("acking unhandled job", "error", err)
		}
		metricJobsDropped.Inc()
		return
	}

	start := w.clock()
	err := h(ctx, job)
	metricJobDuration.Observe(w.clock().Sub(start).Seconds())

	if err == nil {
		if err := w.ack(ctx, job); err != nil {
			logger.Error("acking job", "error", err)
		}
		metricJobsProcessed.Inc()
		return
	}

	job.Attempts++
	if job.Attempts >= w.opts.MaxAttempts {
		logger.Error("job exhausted retries, dropping", "error", err)
		if ackErr := w.ack(ctx, job); ackErr != nil {
			logger.Error("acking exhausted job", "error", ackErr)
		}
		metricJobsDropped.Inc()
		return
	}

	retryAt := w.clock().Add(retryDelay(job.Attempts))
	logger.Warn("job failed, rescheduling", "error", err, "retryAt", retryAt)
	if nackErr := w.Nack(ctx, job, retryAt); nackErr != nil {
		logger.Error("rescheduling job", "error", nackErr)
	}
	metricJobsRetried.Inc()
}

// retryDelay backs off exponentially from 1s, capped at 1m.
func retryDelay(attempts int) time.Duration {
	d := time.Second << uint(attempts-1)
	if d > time.Minute || d <= 0 {
		return time.Minute
	}
	return d
}
