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

// Package engine is the run engine: the state machine that drives a run
// from trigger to terminal status. All state transitions happen under a
// per-run distributed lock and are recorded as append-only execution
// snapshots; the latest snapshot is the single source of truth for what
// should happen to a run next.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BunsDev/trigger-dev/internal/engine/keys"
	"github.com/BunsDev/trigger-dev/internal/redislock"
	"github.com/BunsDev/trigger-dev/internal/runqueue"
	"github.com/BunsDev/trigger-dev/internal/snapshot"
	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/waitpoint"
	"github.com/BunsDev/trigger-dev/internal/workerq"
)

var (
	// ErrSnapshotStale is returned when a caller presents a snapshot id
	// that is no longer the run's latest. The caller must re-read state
	// before acting.
	ErrSnapshotStale = errors.New("engine: snapshot is not the latest")

	// ErrInvalidStatus is returned when an operation is attempted in an
	// execution status it is not valid for.
	ErrInvalidStatus = errors.New("engine: invalid status for operation")

	// ErrRunFinished is returned when an operation targets a run that
	// already reached a terminal status.
	ErrRunFinished = errors.New("engine: run already finished")
)

// Notifier pushes snapshot-change notifications to connected runners
// and supervisors. Implementations must not block.
type Notifier interface {
	NotifyRunChanged(ctx context.Context, runID, snapshotID string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyRunChanged(context.Context, string, string) {}

// Options configure engine behaviour. Zero values take the defaults
// below.
type Options struct {
	// MachineID identifies this engine instance to the queue's
	// in-flight tracking. Default "engine".
	MachineID string

	// DefaultMaxAttempts applies when a trigger does not set one.
	// Default 1.
	DefaultMaxAttempts int

	// ImmediateRetryThreshold separates in-place retries from
	// re-queued ones. Default 5s.
	ImmediateRetryThreshold time.Duration

	// RetryBaseDelay and RetryMaxDelay bound the exponential retry
	// backoff. Defaults 1s and 1m.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (o *Options) withDefaults() {
	if o.MachineID == "" {
		o.MachineID = "engine"
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 1
	}
	if o.ImmediateRetryThreshold <= 0 {
		o.ImmediateRetryThreshold = 5 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = time.Minute
	}
}

// Engine drives run state.
type Engine struct {
	store      store.Store
	queue      *runqueue.Queue
	worker     *workerq.Worker
	snapshots  *snapshot.Service
	waitpoints *waitpoint.Manager
	locker     *redislock.Locker
	notifier   Notifier
	logger     *slog.Logger
	clock      func() time.Time
	opts       Options
}

// New wires an engine. It registers the waitpoint, stall-check and
// expiry handlers on the worker; the caller runs the worker's poll
// loop.
func New(st store.Store, queue *runqueue.Queue, worker *workerq.Worker, locker *redislock.Locker, notifier Notifier, logger *slog.Logger, opts Options) *Engine {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	e := &Engine{
		store:      st,
		queue:      queue,
		worker:     worker,
		snapshots:  snapshot.NewService(worker),
		waitpoints: waitpoint.NewManager(st, worker, logger),
		locker:     locker,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "engine")),
		clock:      time.Now,
		opts:       opts,
	}
	e.waitpoints.SetContinuer(e)
	e.waitpoints.RegisterHandlers()
	e.registerHandlers()
	return e
}

// WithClock replaces the time source everywhere the engine keeps one.
// Tests only.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.snapshots.WithClock(clock)
	e.waitpoints.WithClock(clock)
	e.queue.WithClock(clock)
	return e
}

// Waitpoints exposes the waitpoint manager for API surfaces that
// create and complete manual waitpoints directly.
func (e *Engine) Waitpoints() *waitpoint.Manager { return e.waitpoints }

// Store exposes the backing store for read-only API surfaces.
func (e *Engine) Store() store.Store { return e.store }

// GetRun loads a run by id or friendly id.
func (e *Engine) GetRun(ctx context.Context, id string) (*store.Run, error) {
	return e.store.GetRun(ctx, id)
}

// LatestSnapshot returns the authoritative snapshot for a run.
func (e *Engine) LatestSnapshot(ctx context.Context, runID string) (*store.ExecutionSnapshot, error) {
	return e.store.LatestSnapshot(ctx, runID)
}

// withRunLock serialises all state transitions for one run across
// engine instances.
func (e *Engine) withRunLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	return e.locker.WithLock(ctx, e.queue.Keys().RunLockKey(runID), fn)
}

// newRunID mints a run id. The friendly id shares the prefix so either
// form resolves through GetRun.
func newRunID() string {
	return "run_" + uuid.NewString()
}

func newAttemptID() string {
	return "att_" + uuid.NewString()
}

// messageFromRun rebuilds the queue message descriptor from the run
// row, used for ack/nack/requeue after the original claim.
func (e *Engine) messageFromRun(run *store.Run) *runqueue.Message {
	return &runqueue.Message{
		RunID:           run.ID,
		TaskIdentifier:  run.TaskIdentifier,
		OrganizationID:  run.OrganizationID,
		ProjectID:       run.ProjectID,
		EnvironmentID:   run.EnvironmentID,
		EnvironmentType: keys.EnvironmentType(run.EnvironmentType),
		QueueName:       run.QueueName,
		ConcurrencyKey:  run.ConcurrencyKey,
		MasterQueue:     run.MasterQueue,
		EnqueuedAt:      e.clock(),
		AttemptCount:    run.AttemptCount,
	}
}

// runConsumer resolves which consumer's in-flight set holds the run's
// queue claim: the one recorded at dequeue, or this engine instance for
// runs that were never handed out.
func (e *Engine) runConsumer(run *store.Run) string {
	if run.ConsumerID != "" {
		return run.ConsumerID
	}
	return e.opts.MachineID
}

// appendSnapshot writes a snapshot through tx and returns it. The
// stall check is armed by the caller after commit.
func (e *Engine) appendSnapshot(ctx context.Context, tx store.SnapshotStore, snap *store.ExecutionSnapshot) (*store.ExecutionSnapshot, error) {
	if err := e.snapshots.Append(ctx, tx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// armStallCheck re-arms the run's stall detector for the snapshot just
// written. Failures are logged, not returned: the scanner and the
// previous timer still cover the run.
func (e *Engine) armStallCheck(ctx context.Context, snap *store.ExecutionSnapshot) {
	if err := e.snapshots.ArmStallCheck(ctx, snap.RunID, snap.ID, snap.ExecutionStatus); err != nil {
		e.logger.Error("arming stall check", "run", snap.RunID, "error", err)
	}
}

// retryDelay computes the exponential backoff before attempt n+1.
func (e *Engine) retryDelay(attemptCount int) time.Duration {
	d := e.opts.RetryBaseDelay << uint(attemptCount-1)
	if d > e.opts.RetryMaxDelay || d <= 0 {
		return e.opts.RetryMaxDelay
	}
	return d
}

func invalidStatus(op string, got store.ExecutionStatus) error {
	return fmt.Errorf("%s from %s: %w", op, got, ErrInvalidStatus)
}
