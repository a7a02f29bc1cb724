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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_runs_claimed_total",
		Help: "Runs claimed from the master queue.",
	})
	metricAttemptsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_attempts_executed_total",
		Help: "Attempts handed to the task executor.",
	})
	metricSuspensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_suspensions_total",
		Help: "Sessions detached by suspending a long wait.",
	})
	metricSessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_session_errors_total",
		Help: "Sessions that ended with an error.",
	})
)
