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

// Package fairness provides the weighted-random selection strategy used
// when picking the next environment and queue to dequeue from. Weights
// are inversely proportional to recent selections, which keeps any
// non-empty candidate from starving behind busier tenants.
package fairness

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Default candidate windows. Queue selection looks at more candidates
// than environment selection because there are typically many more
// queues than environments under a master queue.
const (
	DefaultQueueCandidates = 36
	DefaultEnvCandidates   = 12

	// halfLife controls how quickly a candidate's recent-selection
	// weight decays back to neutral.
	halfLife = 30 * time.Second
)

// Strategy selects one candidate from a set, weighted against recently
// chosen candidates. Safe for concurrent use.
type Strategy struct {
	mu            sync.Mutex
	maxCandidates int
	recent        map[string]*selectionCount
	rand          *rand.Rand
	now           func() time.Time
}

type selectionCount struct {
	count     float64
	updatedAt time.Time
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithRand overrides the random source, for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(s *Strategy) { s.rand = r }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Strategy) { s.now = now }
}

// New creates a strategy that considers at most maxCandidates per call.
func New(maxCandidates int, opts ...Option) *Strategy {
	s := &Strategy{
		maxCandidates: maxCandidates,
		recent:        make(map[string]*selectionCount),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Choose picks one candidate, or "" when the set is empty. Candidates
// past the strategy's window are ignored; callers should pass them in
// priority order (oldest first).
func (s *Strategy) Choose(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) > s.maxCandidates {
		candidates = candidates[:s.maxCandidates]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		weights[i] = 1.0 / (1.0 + s.decayedCount(c, now))
		total += weights[i]
	}

	target := s.float64() * total
	chosen := candidates[len(candidates)-1]
	for i, w := range weights {
		target -= w
		if target < 0 {
			chosen = candidates[i]
			break
		}
	}

	s.recordLocked(chosen, now)
	return chosen
}

// decayedCount returns the candidate's selection count decayed by the
// time since it was last updated.
func (s *Strategy) decayedCount(candidate string, now time.Time) float64 {
	sc, ok := s.recent[candidate]
	if !ok {
		return 0
	}
	elapsed := now.Sub(sc.updatedAt)
	if elapsed <= 0 {
		return sc.count
	}
	decay := float64(elapsed) / float64(halfLife)
	decayed := sc.count / (1 + decay)
	if decayed < 0.01 {
		delete(s.recent, candidate)
		return 0
	}
	return decayed
}

func (s *Strategy) recordLocked(candidate string, now time.Time) {
	count := s.decayedCount(candidate, now)
	s.recent[candidate] = &selectionCount{count: count + 1, updatedAt: now}
}

func (s *Strategy) float64() float64 {
	if s.rand != nil {
		return s.rand.Float64()
	}
	return rand.Float64()
}
