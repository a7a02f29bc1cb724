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

// Package supervisor implements the runner side of the run engine
// protocol: long-poll dequeue from a master queue, attempt execution
// through a pluggable TaskExecutor, heartbeats, and the snapshot-driven
// session state machine covering cancellation, waits, suspension and
// warm resume.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/log"
)

// Options configure a supervisor.
type Options struct {
	// ConsumerID identifies this supervisor to the queue. Defaults to
	// a fresh sup_ id.
	ConsumerID string
	// WorkerID is stamped on attempts. Defaults to ConsumerID.
	WorkerID string
	// MasterQueue to consume. Default sharedQueue.
	MasterQueue string
	// Capacity is the number of concurrent sessions. Default 10.
	Capacity int
	// HeartbeatInterval for executing runs. Default 30s.
	HeartbeatInterval time.Duration
	// SnapshotPollInterval is the missed-notification fallback.
	// Default 5s.
	SnapshotPollInterval time.Duration
	// WarmStartTimeout bounds each dequeue long poll. Default 30s.
	WarmStartTimeout time.Duration
	// SuspendThreshold is the wait length beyond which a session
	// suspends instead of blocking a slot. Default 30s.
	SuspendThreshold time.Duration
	// DequeueRate paces dequeue calls, in calls per second. Default 2.
	DequeueRate float64
}

func (o *Options) withDefaults() {
	if o.ConsumerID == "" {
		o.ConsumerID = "sup_" + uuid.NewString()
	}
	if o.WorkerID == "" {
		o.WorkerID = o.ConsumerID
	}
	if o.MasterQueue == "" {
		o.MasterQueue = "sharedQueue"
	}
	if o.Capacity <= 0 {
		o.Capacity = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SnapshotPollInterval <= 0 {
		o.SnapshotPollInterval = 5 * time.Second
	}
	if o.WarmStartTimeout <= 0 {
		o.WarmStartTimeout = 30 * time.Second
	}
	if o.SuspendThreshold <= 0 {
		o.SuspendThreshold = 30 * time.Second
	}
	if o.DequeueRate <= 0 {
		o.DequeueRate = 2
	}
}

// Supervisor claims runs from the daemon and executes them through a
// TaskExecutor, up to Capacity at a time.
type Supervisor struct {
	client   EngineAPI
	executor TaskExecutor
	logger   *slog.Logger
	opts     Options

	limiter *rate.Limiter
	slots   chan struct{}
	wg      sync.WaitGroup
}

// New creates a supervisor.
func New(client EngineAPI, executor TaskExecutor, logger *slog.Logger, opts Options) *Supervisor {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		client:   client,
		executor: executor,
		logger: logger.With(
			slog.String("component", "supervisor"),
			slog.String(log.WorkerIDKey, opts.ConsumerID)),
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.DequeueRate), 1),
		slots:   make(chan struct{}, opts.Capacity),
	}
}

// Run consumes the master queue until the context is cancelled, then
// waits for in-flight sessions to wind down.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting",
		slog.String(log.QueueKey, s.opts.MasterQueue),
		slog.Int("capacity", s.opts.Capacity))

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}

		free := cap(s.slots) - len(s.slots)
		if free == 0 {
			// Full; wait for a slot rather than spinning.
			select {
			case <-ctx.Done():
			case s.slots <- struct{}{}:
				<-s.slots
			}
			continue
		}

		runs, err := s.client.Dequeue(ctx, s.opts.ConsumerID, s.opts.MasterQueue, free, s.opts.WarmStartTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("dequeue failed", log.Error(err))
			continue
		}

		for _, dq := range runs {
			metricRunsClaimed.Inc()
			s.slots <- struct{}{}
			s.wg.Add(1)
			go func(dq api.DequeuedRunResponse) {
				defer func() {
					<-s.slots
					s.wg.Done()
				}()
				sess := newSession(s.client, s.executor, s.logger, s.opts, dq)
				if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
					metricSessionErrors.Inc()
					s.logger.Error("session failed",
						slog.String(log.RunIDKey, dq.Run.ID),
						log.Error(err))
				}
			}(dq)
		}
	}

	s.wg.Wait()
	s.logger.Info("supervisor stopped")
	return nil
}
