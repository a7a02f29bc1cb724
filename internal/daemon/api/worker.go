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
	"net/http"
	"time"

	"github.com/BunsDev/trigger-dev/internal/daemon/auth"
	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
	"github.com/BunsDev/trigger-dev/internal/engine"
	"github.com/BunsDev/trigger-dev/internal/store"
)

// runnerTokenTTL bounds how long a dequeued run's token stays valid.
// Suspended runs are re-dequeued and re-tokened, so this only needs to
// cover one continuous execution window.
const runnerTokenTTL = 24 * time.Hour

// WorkerHandler serves the supervisor/runner protocol: long-poll
// dequeue plus the snapshot-scoped attempt lifecycle.
type WorkerHandler struct {
	engine       *engine.Engine
	runnerSecret string
}

// NewWorkerHandler creates a worker API handler. runnerSecret signs
// the per-run tokens returned from dequeue; empty disables them.
func NewWorkerHandler(eng *engine.Engine, runnerSecret string) *WorkerHandler {
	return &WorkerHandler{engine: eng, runnerSecret: runnerSecret}
}

// RegisterRoutes registers worker API routes on the provided mux.
func (h *WorkerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/worker/dequeue", h.handleDequeue)
	mux.HandleFunc("GET /api/v1/worker/runs/{runId}/snapshots/latest", h.handleLatestSnapshot)
	mux.HandleFunc("POST /api/v1/worker/runs/{runId}/snapshots/{snapshotId}/attempts/start", h.handleStartAttempt)
	mux.HandleFunc("POST /api/v1/worker/runs/{runId}/snapshots/{snapshotId}/attempts/complete", h.handleCompleteAttempt)
	mux.HandleFunc("POST /api/v1/worker/runs/{runId}/snapshots/{snapshotId}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /api/v1/worker/runs/{runId}/snapshots/{snapshotId}/suspend", h.handleSuspend)
	mux.HandleFunc("POST /api/v1/worker/runs/{runId}/snapshots/{snapshotId}/continue", h.handleContinue)
	mux.HandleFunc("POST /api/v1/worker/runs/{runId}/snapshots/{snapshotId}/wait/duration", h.handleWaitDuration)
}

// DequeueRequest is the body of POST /api/v1/worker/dequeue.
type DequeueRequest struct {
	ConsumerID  string `json:"consumerId"`
	MasterQueue string `json:"masterQueue"`
	MaxRuns     int    `json:"maxRuns,omitempty"`
	// MaxWait bounds the long poll, as a duration string. Empty means
	// return immediately.
	MaxWait string `json:"maxWait,omitempty"`
}

// DequeuedRunResponse is one claimed run with its runner token.
type DequeuedRunResponse struct {
	Run      RunResponse      `json:"run"`
	Snapshot SnapshotResponse `json:"snapshot"`
	Token    string           `json:"token,omitempty"`
}

// DequeueResponse is the body of a successful dequeue. An empty poll
// returns 204 instead.
type DequeueResponse struct {
	Runs []DequeuedRunResponse `json:"runs"`
}

// dequeuePollInterval paces the long-poll loop between empty attempts.
const dequeuePollInterval = 500 * time.Millisecond

func (h *WorkerHandler) handleDequeue(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ConsumerID == "" || req.MasterQueue == "" {
		httputil.WriteError(w, http.StatusBadRequest, "consumerId and masterQueue are required")
		return
	}
	maxRuns := req.MaxRuns
	if maxRuns <= 0 {
		maxRuns = 1
	}
	var maxWait time.Duration
	if req.MaxWait != "" {
		var err error
		maxWait, err = time.ParseDuration(req.MaxWait)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid maxWait: "+err.Error())
			return
		}
	}

	deadline := time.Now().Add(maxWait)
	for {
		runs, err := h.engine.DequeueFromMasterQueue(r.Context(), req.ConsumerID, req.MasterQueue, maxRuns)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if len(runs) > 0 {
			resp := DequeueResponse{Runs: make([]DequeuedRunResponse, 0, len(runs))}
			for _, dr := range runs {
				item := DequeuedRunResponse{
					Run:      newRunResponse(dr.Run),
					Snapshot: newSnapshotResponse(dr.Snapshot),
				}
				if h.runnerSecret != "" {
					token, err := auth.MintRunnerToken(h.runnerSecret, dr.Run.ID, runnerTokenTTL)
					if err != nil {
						writeEngineError(w, err)
						return
					}
					item.Token = token
				}
				resp.Runs = append(resp.Runs, item)
			}
			httputil.WriteJSON(w, http.StatusOK, resp)
			return
		}
		if time.Now().Add(dequeuePollInterval).After(deadline) {
			httputil.WriteNoContent(w)
			return
		}
		select {
		case <-r.Context().Done():
			httputil.WriteNoContent(w)
			return
		case <-time.After(dequeuePollInterval):
		}
	}
}

func (h *WorkerHandler) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	snap, err := h.engine.LatestSnapshot(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

// StartAttemptRequest is the body of .../attempts/start.
type StartAttemptRequest struct {
	WorkerID string `json:"workerId,omitempty"`
}

// StartAttemptResponse returns everything a runner needs to execute.
type StartAttemptResponse struct {
	Run           RunResponse      `json:"run"`
	Snapshot      SnapshotResponse `json:"snapshot"`
	AttemptNumber int              `json:"attemptNumber"`
}

func (h *WorkerHandler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	var req StartAttemptRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	started, err := h.engine.StartAttempt(r.Context(), engine.StartAttemptParams{
		RunID:      r.PathValue("runId"),
		SnapshotID: r.PathValue("snapshotId"),
		WorkerID:   req.WorkerID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StartAttemptResponse{
		Run:           newRunResponse(started.Run),
		Snapshot:      newSnapshotResponse(started.Snapshot),
		AttemptNumber: started.Attempt.Number,
	})
}

// CompleteAttemptRequest is the body of .../attempts/complete.
type CompleteAttemptRequest struct {
	WorkerID   string          `json:"workerId,omitempty"`
	Ok         bool            `json:"ok"`
	Output     string          `json:"output,omitempty"`
	OutputType string          `json:"outputType,omitempty"`
	Error      *store.RunError `json:"error,omitempty"`
}

// CompleteAttemptResponse tells the runner what happens next.
type CompleteAttemptResponse struct {
	Outcome    engine.AttemptOutcome `json:"outcome"`
	Run        RunResponse           `json:"run"`
	Snapshot   SnapshotResponse      `json:"snapshot"`
	RetryAfter string                `json:"retryAfter,omitempty"`
}

func (h *WorkerHandler) handleCompleteAttempt(w http.ResponseWriter, r *http.Request) {
	var req CompleteAttemptRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	completed, err := h.engine.CompleteAttempt(r.Context(), engine.CompleteAttemptParams{
		RunID:      r.PathValue("runId"),
		SnapshotID: r.PathValue("snapshotId"),
		WorkerID:   req.WorkerID,
		Ok:         req.Ok,
		Output:     req.Output,
		OutputType: req.OutputType,
		Error:      req.Error,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := CompleteAttemptResponse{
		Outcome:  completed.Outcome,
		Run:      newRunResponse(completed.Run),
		Snapshot: newSnapshotResponse(completed.Snapshot),
	}
	if completed.RetryAfter != nil {
		resp.RetryAfter = completed.RetryAfter.String()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *WorkerHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Heartbeat(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

func (h *WorkerHandler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Suspend(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

func (h *WorkerHandler) handleContinue(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.ContinueRunExecution(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

// WaitDurationRequest is the body of .../wait/duration.
type WaitDurationRequest struct {
	Until time.Time `json:"until"`
}

func (h *WorkerHandler) handleWaitDuration(w http.ResponseWriter, r *http.Request) {
	var req WaitDurationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Until.IsZero() {
		httputil.WriteError(w, http.StatusBadRequest, "until is required")
		return
	}

	wp, err := h.engine.WaitForDuration(r.Context(), r.PathValue("runId"), r.PathValue("snapshotId"), req.Until)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, newWaitpointResponse(wp))
}
