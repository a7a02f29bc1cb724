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

// Package memory provides an in-memory store implementation for tests
// and single-process deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BunsDev/trigger-dev/internal/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is an in-memory store. All state is guarded by a single mutex;
// WithTx runs the function while holding it, which serialises
// transactions but does not roll back on error. Engine code compensates
// explicitly, so tests observe the same behaviour as a relational
// backend under READ COMMITTED.
type Store struct {
	mu sync.Mutex

	runs          map[string]*store.Run
	friendlyIndex map[string]string
	snapshots     map[string][]*store.ExecutionSnapshot
	waitpoints    map[string]*store.Waitpoint
	runWaitpoints []store.RunWaitpoint
	taskQueues    map[string]*store.TaskQueue
	attempts      map[string][]*store.Attempt

	// inTx avoids re-locking when the store hands itself out as a
	// transactional view.
	inTx bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:          make(map[string]*store.Run),
		friendlyIndex: make(map[string]string),
		snapshots:     make(map[string][]*store.ExecutionSnapshot),
		waitpoints:    make(map[string]*store.Waitpoint),
		taskQueues:    make(map[string]*store.TaskQueue),
		attempts:      make(map[string][]*store.Attempt),
	}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTx serialises fn against all other store access.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	view := &Store{
		runs:          s.runs,
		friendlyIndex: s.friendlyIndex,
		snapshots:     s.snapshots,
		waitpoints:    s.waitpoints,
		runWaitpoints: s.runWaitpoints,
		taskQueues:    s.taskQueues,
		attempts:      s.attempts,
		inTx:          true,
	}
	err := fn(view)
	// The join slice may have been reallocated inside the view.
	s.runWaitpoints = view.runWaitpoints
	return err
}

// Close implements io.Closer.
func (s *Store) Close() error { return nil }

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	defer s.lock()()
	if _, ok := s.runs[run.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := copyRun(run)
	s.runs[run.ID] = cp
	if run.FriendlyID != "" {
		s.friendlyIndex[run.FriendlyID] = run.ID
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	defer s.lock()()
	if mapped, ok := s.friendlyIndex[id]; ok {
		id = mapped
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRun(run), nil
}

func (s *Store) GetRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*store.Run, error) {
	defer s.lock()()
	// Newest first: a re-trigger after a finished run must find the
	// active run, not the finished one.
	var match *store.Run
	for _, run := range s.runs {
		if run.EnvironmentID == environmentID && run.IdempotencyKey == key {
			if match == nil || run.CreatedAt.After(match.CreatedAt) {
				match = run
			}
		}
	}
	if match == nil {
		return nil, store.ErrNotFound
	}
	return copyRun(match), nil
}

func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	defer s.lock()()
	if _, ok := s.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	cp := copyRun(run)
	cp.UpdatedAt = time.Now()
	s.runs[run.ID] = cp
	return nil
}

func (s *Store) ListWaitingToResumeOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*store.Run, error) {
	defer s.lock()()
	var out []*store.Run
	for _, run := range s.runs {
		if run.Status == store.RunStatusWaitingToResume && run.UpdatedAt.Before(cutoff) {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- SnapshotStore ---

func (s *Store) AppendSnapshot(ctx context.Context, snap *store.ExecutionSnapshot) error {
	defer s.lock()()
	cp := *snap
	cp.CompletedWaitpointIDs = append([]string(nil), snap.CompletedWaitpointIDs...)
	s.snapshots[snap.RunID] = append(s.snapshots[snap.RunID], &cp)
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, runID string) (*store.ExecutionSnapshot, error) {
	defer s.lock()()
	snaps := s.snapshots[runID]
	if len(snaps) == 0 {
		return nil, store.ErrNotFound
	}
	cp := *snaps[len(snaps)-1]
	return &cp, nil
}

func (s *Store) ListSnapshots(ctx context.Context, runID string) ([]*store.ExecutionSnapshot, error) {
	defer s.lock()()
	snaps := s.snapshots[runID]
	out := make([]*store.ExecutionSnapshot, len(snaps))
	for i, sn := range snaps {
		cp := *sn
		out[i] = &cp
	}
	return out, nil
}

// --- WaitpointStore ---

func (s *Store) CreateWaitpoint(ctx context.Context, wp *store.Waitpoint) error {
	defer s.lock()()
	if _, ok := s.waitpoints[wp.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *wp
	s.waitpoints[wp.ID] = &cp
	return nil
}

func (s *Store) GetWaitpoint(ctx context.Context, id string) (*store.Waitpoint, error) {
	defer s.lock()()
	wp, ok := s.waitpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *wp
	return &cp, nil
}

func (s *Store) MarkWaitpointCompleted(ctx context.Context, id, output string, outputIsError bool, at time.Time) (*store.Waitpoint, error) {
	defer s.lock()()
	wp, ok := s.waitpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if wp.Status == store.WaitpointStatusCompleted {
		cp := *wp
		return &cp, nil
	}
	wp.Status = store.WaitpointStatusCompleted
	wp.Output = output
	wp.OutputIsError = outputIsError
	wp.CompletedAt = &at
	cp := *wp
	return &cp, nil
}

func (s *Store) CreateRunWaitpoint(ctx context.Context, rw *store.RunWaitpoint) error {
	defer s.lock()()
	for _, existing := range s.runWaitpoints {
		if existing.RunID == rw.RunID && existing.WaitpointID == rw.WaitpointID {
			return store.ErrAlreadyExists
		}
	}
	s.runWaitpoints = append(s.runWaitpoints, *rw)
	return nil
}

func (s *Store) DeleteRunWaitpointsByWaitpoint(ctx context.Context, waitpointID string) ([]string, error) {
	defer s.lock()()
	var runIDs []string
	kept := s.runWaitpoints[:0]
	for _, rw := range s.runWaitpoints {
		if rw.WaitpointID == waitpointID {
			runIDs = append(runIDs, rw.RunID)
			continue
		}
		kept = append(kept, rw)
	}
	s.runWaitpoints = kept
	return runIDs, nil
}

func (s *Store) ListBlockersForRun(ctx context.Context, runID string) ([]*store.Waitpoint, error) {
	defer s.lock()()
	var out []*store.Waitpoint
	for _, rw := range s.runWaitpoints {
		if rw.RunID != runID {
			continue
		}
		if wp, ok := s.waitpoints[rw.WaitpointID]; ok {
			cp := *wp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CountBlockersForRun(ctx context.Context, runID string) (int, error) {
	defer s.lock()()
	count := 0
	for _, rw := range s.runWaitpoints {
		if rw.RunID == runID {
			count++
		}
	}
	return count, nil
}

// --- QueueStore ---

func queueKey(environmentID, name string) string {
	return environmentID + "\x00" + name
}

func (s *Store) UpsertTaskQueue(ctx context.Context, q *store.TaskQueue) error {
	defer s.lock()()
	cp := *q
	if q.ConcurrencyLimit != nil {
		limit := *q.ConcurrencyLimit
		cp.ConcurrencyLimit = &limit
	}
	cp.UpdatedAt = time.Now()
	s.taskQueues[queueKey(q.EnvironmentID, q.Name)] = &cp
	return nil
}

func (s *Store) GetTaskQueue(ctx context.Context, environmentID, name string) (*store.TaskQueue, error) {
	defer s.lock()()
	q, ok := s.taskQueues[queueKey(environmentID, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// --- AttemptStore ---

func (s *Store) CreateAttempt(ctx context.Context, a *store.Attempt) error {
	defer s.lock()()
	cp := *a
	s.attempts[a.RunID] = append(s.attempts[a.RunID], &cp)
	return nil
}

func (s *Store) LatestAttempt(ctx context.Context, runID string) (*store.Attempt, error) {
	defer s.lock()()
	attempts := s.attempts[runID]
	if len(attempts) == 0 {
		return nil, store.ErrNotFound
	}
	cp := *attempts[len(attempts)-1]
	return &cp, nil
}

func (s *Store) UpdateAttempt(ctx context.Context, a *store.Attempt) error {
	defer s.lock()()
	for i, existing := range s.attempts[a.RunID] {
		if existing.ID == a.ID {
			cp := *a
			s.attempts[a.RunID][i] = &cp
			return nil
		}
	}
	return store.ErrNotFound
}

// copyRun deep-copies a run so callers never alias internal state.
func copyRun(run *store.Run) *store.Run {
	cp := *run
	cp.Tags = append([]string(nil), run.Tags...)
	if run.DelayUntil != nil {
		t := *run.DelayUntil
		cp.DelayUntil = &t
	}
	if run.QueuedAt != nil {
		t := *run.QueuedAt
		cp.QueuedAt = &t
	}
	if run.StartedAt != nil {
		t := *run.StartedAt
		cp.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	if run.ExpiredAt != nil {
		t := *run.ExpiredAt
		cp.ExpiredAt = &t
	}
	if run.Error != nil {
		e := *run.Error
		cp.Error = &e
	}
	return &cp
}

// DumpRunIDs returns all run ids, for test assertions.
func (s *Store) DumpRunIDs() []string {
	defer s.lock()()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String describes store contents, for debugging.
func (s *Store) String() string {
	defer s.lock()()
	var b strings.Builder
	b.WriteString("memory.Store{runs:")
	b.WriteString(itoa(len(s.runs)))
	b.WriteString(" waitpoints:")
	b.WriteString(itoa(len(s.waitpoints)))
	b.WriteString("}")
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
