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

package runqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runqueue_messages_enqueued_total",
		Help: "Total messages enqueued",
	})

	metricDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runqueue_messages_dequeued_total",
		Help: "Total messages dequeued",
	})

	metricAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runqueue_messages_acked_total",
		Help: "Total messages acknowledged",
	})

	metricNacked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runqueue_messages_nacked_total",
		Help: "Total messages negatively acknowledged",
	})

	metricDequeueAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runqueue_dequeue_attempts_total",
		Help: "Total per-queue atomic dequeue attempts, including ones gated by concurrency",
	})

	metricQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "runqueue_queue_wait_seconds",
		Help:    "Time messages spend queued before dequeue",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
)
