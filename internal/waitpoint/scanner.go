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

package waitpoint

import (
	"context"
	"time"
)

// ScannerOptions configures the stale-resume scanner.
type ScannerOptions struct {
	Interval  time.Duration // default 30s
	OlderThan time.Duration // default 1m
	BatchSize int           // default 100
}

func (o *ScannerOptions) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.OlderThan <= 0 {
		o.OlderThan = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

// RunScanner sweeps for runs stuck in WAITING_TO_RESUME whose blockers
// are all completed, covering wakeups lost between waitpoint completion
// and run continuation. Blocks until ctx is cancelled.
func (m *Manager) RunScanner(ctx context.Context, opts ScannerOptions) error {
	opts.withDefaults()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		if n, err := m.ScanOnce(ctx, opts.OlderThan, opts.BatchSize); err != nil {
			m.logger.Error("stale-resume scan", "error", err)
		} else if n > 0 {
			m.logger.Info("recovered stalled resumes", "runs", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce performs a single sweep and returns how many runs were
// continued.
func (m *Manager) ScanOnce(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	runs, err := m.store.ListWaitingToResumeOlderThan(ctx, m.clock().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, run := range runs {
		remaining, err := m.store.CountBlockersForRun(ctx, run.ID)
		if err != nil {
			return 0, err
		}
		if remaining == 0 {
			stale = append(stale, run.ID)
		}
	}
	if len(stale) == 0 || m.continuer == nil {
		return 0, nil
	}
	if err := m.continuer.ContinueRunsAfterWaitpoint(ctx, stale, ""); err != nil {
		return 0, err
	}
	return len(stale), nil
}
