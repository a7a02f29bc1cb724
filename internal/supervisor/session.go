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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/engine"
	"github.com/BunsDev/trigger-dev/internal/log"
	"github.com/BunsDev/trigger-dev/internal/store"
)

// ErrSuspended is returned from WaitUntil when the run detached from
// this session. The executor must unwind without producing a result.
var ErrSuspended = errors.New("supervisor: run suspended")

// session drives one dequeued run: attempts, heartbeats, snapshot
// change handling. All state transitions are serialised on mu; the
// engine's snapshot-id checks catch anything that races past us.
type session struct {
	client   EngineAPI
	executor TaskExecutor
	logger   *slog.Logger
	opts     Options

	runID string
	token string

	mu            sync.Mutex
	run           api.RunResponse
	snapshot      api.SnapshotResponse
	attemptNumber int
	cancelAttempt context.CancelFunc
	detached      bool
	cancelled     bool

	resumeCh chan []string
}

func newSession(client EngineAPI, executor TaskExecutor, logger *slog.Logger, opts Options, dq api.DequeuedRunResponse) *session {
	return &session{
		client:   client,
		executor: executor,
		logger: logger.With(
			slog.String(log.RunIDKey, dq.Run.ID),
			slog.String(log.WorkerIDKey, opts.WorkerID)),
		opts:     opts,
		runID:    dq.Run.ID,
		token:    dq.Token,
		run:      dq.Run,
		snapshot: dq.Snapshot,
		resumeCh: make(chan []string, 1),
	}
}

func (s *session) currentSnapshot() api.SnapshotResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *session) isDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Run executes the session until the run finishes, detaches or fails.
func (s *session) Run(ctx context.Context) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.heartbeatLoop(watchCtx)
	go s.pollLoop(watchCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isDetached() {
			return nil
		}
		snap := s.currentSnapshot()
		switch snap.ExecutionStatus {
		case store.ExecutionStatusDequeuedForExecution, store.ExecutionStatusPendingExecuting:
			done, err := s.runAttempt(ctx, snap)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			// Blocked, suspended, cancelled or finished elsewhere.
			return nil
		}
	}
}

// runAttempt starts one attempt, executes it and reports completion.
// done means the session is over; !done loops for an immediate retry.
func (s *session) runAttempt(ctx context.Context, snap api.SnapshotResponse) (done bool, err error) {
	started, err := s.client.StartAttempt(ctx, s.token, s.runID, snap.ID, s.opts.WorkerID)
	if err != nil {
		if IsConflict(err) || IsNotFound(err) {
			// The run moved on while we were winding up.
			s.logger.Info("attempt start superseded", log.Error(err))
			return true, nil
		}
		return false, err
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.run = started.Run
	s.snapshot = started.Snapshot
	s.attemptNumber = started.AttemptNumber
	s.cancelAttempt = cancel
	s.mu.Unlock()

	metricAttemptsExecuted.Inc()
	result, execErr := s.executor.Execute(attemptCtx, ExecutionRequest{
		Run:                 started.Run,
		AttemptNumber:       started.AttemptNumber,
		CompletedWaitpoints: started.Snapshot.CompletedWaitpointIDs,
		Controller:          s,
	})

	s.mu.Lock()
	s.cancelAttempt = nil
	detached := s.detached
	cancelled := s.cancelled
	snapID := s.snapshot.ID
	s.mu.Unlock()

	if detached {
		// The run belongs to someone else now; results are void.
		return true, nil
	}
	if errors.Is(execErr, ErrSuspended) {
		return true, nil
	}

	req := api.CompleteAttemptRequest{WorkerID: s.opts.WorkerID}
	switch {
	case cancelled:
		req.Error = &store.RunError{Type: "TASK_RUN_CANCELLED", Message: "run cancelled by operator"}
	case execErr != nil:
		req.Error = &store.RunError{Type: "TASK_RUN_ERROR", Message: execErr.Error()}
	case result != nil:
		req.Ok = result.Ok
		req.Output = result.Output
		req.OutputType = result.OutputType
		req.Error = result.Error
	default:
		req.Error = &store.RunError{Type: "TASK_RUN_ERROR", Message: "executor returned no result"}
	}

	completed, err := s.client.CompleteAttempt(ctx, s.token, s.runID, snapID, req)
	if err != nil {
		if IsConflict(err) || IsNotFound(err) {
			s.logger.Info("attempt completion superseded", log.Error(err))
			return true, nil
		}
		return false, err
	}

	s.mu.Lock()
	s.snapshot = completed.Snapshot
	s.mu.Unlock()

	if completed.Outcome == engine.OutcomeRetryImmediately {
		if completed.RetryAfter != "" {
			if delay, perr := time.ParseDuration(completed.RetryAfter); perr == nil {
				select {
				case <-ctx.Done():
					return true, ctx.Err()
				case <-time.After(delay):
				}
			}
		}
		return false, nil
	}
	return true, nil
}

// handleSnapshotChange reacts to a newer snapshot from a heartbeat,
// poll or notification.
func (s *session) handleSnapshotChange(ctx context.Context, snap api.SnapshotResponse) {
	s.mu.Lock()
	if s.detached || snap.ID == s.snapshot.ID {
		s.mu.Unlock()
		return
	}

	// A higher attempt number means another worker took the run over.
	if s.attemptNumber > 0 && snap.AttemptNumber > s.attemptNumber {
		s.logger.Warn("run taken over by another worker",
			slog.Int("observed_attempt", snap.AttemptNumber),
			slog.Int(log.AttemptKey, s.attemptNumber))
		s.detachLocked()
		return
	}

	s.snapshot = snap
	switch snap.ExecutionStatus {
	case store.ExecutionStatusPendingCancel:
		s.cancelled = true
		cancel := s.cancelAttempt
		s.mu.Unlock()
		s.logger.Info("cancellation requested")
		if cancel != nil {
			cancel()
		}

	case store.ExecutionStatusExecuting:
		ids := snap.CompletedWaitpointIDs
		s.mu.Unlock()
		if len(ids) > 0 {
			select {
			case s.resumeCh <- ids:
			default:
			}
		}

	case store.ExecutionStatusPendingExecuting:
		s.mu.Unlock()
		// The engine is offering the run back; accept in place.
		cont, err := s.client.Continue(ctx, s.token, s.runID, snap.ID)
		if err != nil {
			if !IsConflict(err) {
				s.logger.Warn("continue failed", log.Error(err))
			}
			return
		}
		s.handleSnapshotChange(ctx, *cont)

	case store.ExecutionStatusBlockedByWaitpoints, store.ExecutionStatusSuspended,
		store.ExecutionStatusFinished, store.ExecutionStatusQueued:
		s.detachLocked()

	default:
		s.mu.Unlock()
	}
}

// detachLocked marks the run gone and aborts any in-flight attempt.
// Callers hold mu; it is released on return.
func (s *session) detachLocked() {
	s.detached = true
	cancel := s.cancelAttempt
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WaitUntil implements AttemptController.
func (s *session) WaitUntil(ctx context.Context, until time.Time) ([]string, error) {
	s.mu.Lock()
	snapID := s.snapshot.ID
	s.mu.Unlock()

	if _, err := s.client.WaitForDuration(ctx, s.token, s.runID, snapID, until); err != nil {
		return nil, err
	}

	// Track the EXECUTING_WITH_WAITPOINTS snapshot promptly so the
	// eventual completion references the right snapshot.
	if latest, err := s.client.LatestSnapshot(ctx, s.token, s.runID); err == nil {
		s.handleSnapshotChange(ctx, *latest)
	}

	if time.Until(until) > s.opts.SuspendThreshold {
		s.mu.Lock()
		snapID = s.snapshot.ID
		s.mu.Unlock()
		if _, err := s.client.Suspend(ctx, s.token, s.runID, snapID); err == nil {
			s.mu.Lock()
			s.detached = true
			s.mu.Unlock()
			metricSuspensions.Inc()
			return nil, ErrSuspended
		}
		// Suspension refused, likely because the waitpoint already
		// completed. Wait in place instead.
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ids := <-s.resumeCh:
		return ids, nil
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.isDetached() {
			return
		}
		snap := s.currentSnapshot()
		latest, err := s.client.Heartbeat(ctx, s.token, s.runID, snap.ID)
		if err != nil {
			if IsConflict(err) {
				if refetched, rerr := s.client.LatestSnapshot(ctx, s.token, s.runID); rerr == nil {
					s.handleSnapshotChange(ctx, *refetched)
				}
				continue
			}
			if ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", log.Error(err))
			}
			continue
		}
		s.handleSnapshotChange(ctx, *latest)
	}
}

// pollLoop is the fallback for missed notifications.
func (s *session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SnapshotPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.isDetached() {
			return
		}
		latest, err := s.client.LatestSnapshot(ctx, s.token, s.runID)
		if err != nil {
			if ctx.Err() == nil && !IsNotFound(err) {
				s.logger.Debug("snapshot poll failed", log.Error(err))
			}
			continue
		}
		s.handleSnapshotChange(ctx, *latest)
	}
}
