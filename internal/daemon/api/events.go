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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RunNotification is pushed to subscribers whenever a run's snapshot
// changes. Supervisors react by fetching the latest snapshot.
type RunNotification struct {
	RunID      string `json:"runId"`
	SnapshotID string `json:"snapshotId"`
}

// NotifyHub fans run-change notifications out to SSE subscribers. It
// implements the engine's Notifier. Subscribers filter by run id;
// subscribing to no runs receives everything.
type NotifyHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	// runIDs is nil for a firehose subscription.
	runIDs map[string]struct{}
	ch     chan RunNotification
}

// subscriberBuffer bounds each subscriber's queue. Slow consumers drop
// notifications; the supervisor's snapshot poll covers the loss.
const subscriberBuffer = 64

// NewNotifyHub creates a notification hub.
func NewNotifyHub(logger *slog.Logger) *NotifyHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyHub{
		logger: logger.With(slog.String("component", "notify")),
		subs:   make(map[*subscriber]struct{}),
	}
}

// NotifyRunChanged implements engine.Notifier.
func (h *NotifyHub) NotifyRunChanged(ctx context.Context, runID, snapshotID string) {
	note := RunNotification{RunID: runID, SnapshotID: snapshotID}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.runIDs != nil {
			if _, ok := sub.runIDs[runID]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- note:
		default:
			h.logger.Warn("dropping notification for slow subscriber",
				slog.String("run_id", runID))
		}
	}
}

func (h *NotifyHub) subscribe(runIDs []string) *subscriber {
	sub := &subscriber{ch: make(chan RunNotification, subscriberBuffer)}
	if len(runIDs) > 0 {
		sub.runIDs = make(map[string]struct{}, len(runIDs))
		for _, id := range runIDs {
			sub.runIDs[id] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *NotifyHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// RegisterRoutes registers the SSE endpoint on the provided mux.
func (h *NotifyHub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events", h.handleStream)
}

// handleStream serves GET /api/v1/events as Server-Sent Events. The
// optional runs query parameter is a comma-separated run id filter.
func (h *NotifyHub) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var runIDs []string
	if raw := r.URL.Query().Get("runs"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				runIDs = append(runIDs, id)
			}
		}
	}

	sub := h.subscribe(runIDs)
	defer h.unsubscribe(sub)

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, "data: {\"type\":\"heartbeat\"}\n\n")
			flusher.Flush()
		case note := <-sub.ch:
			payload, err := json.Marshal(note)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: run:notify\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
