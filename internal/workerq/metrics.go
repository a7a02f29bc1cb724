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

package workerq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workerq_jobs_enqueued_total",
		Help: "Total delayed jobs scheduled, including reschedules",
	})

	metricJobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workerq_jobs_processed_total",
		Help: "Total delayed jobs completed successfully",
	})

	metricJobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workerq_jobs_retried_total",
		Help: "Total delayed jobs rescheduled after a handler error",
	})

	metricJobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workerq_jobs_dropped_total",
		Help: "Total delayed jobs dropped: no handler or retries exhausted",
	})

	metricJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workerq_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)
