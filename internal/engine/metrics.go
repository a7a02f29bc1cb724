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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_runs_triggered_total",
		Help: "Total runs created",
	})

	metricRunsDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_runs_dequeued_total",
		Help: "Total runs handed to supervisors",
	})

	metricRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_runs_finished_total",
		Help: "Total runs reaching a terminal status",
	}, []string{"status"})

	metricAttemptsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_attempts_started_total",
		Help: "Total attempts started",
	})

	metricAttemptsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_attempts_retried_total",
		Help: "Total failed attempts scheduled for retry",
	}, []string{"mode"})

	metricRunsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_runs_blocked_total",
		Help: "Total runs blocked on a waitpoint",
	})

	metricRunsSuspended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_runs_suspended_total",
		Help: "Total runner suspensions",
	})

	metricRunsResumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_runs_resumed_total",
		Help: "Total runs resumed after waitpoint completion",
	}, []string{"mode"})

	metricStallsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_stalls_detected_total",
		Help: "Total stall-check firings by execution status",
	}, []string{"execution_status"})
)
