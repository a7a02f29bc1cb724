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

	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
	"github.com/BunsDev/trigger-dev/internal/engine"
	"github.com/BunsDev/trigger-dev/internal/engine/keys"
)

// RunsHandler serves the public run API: trigger, inspect, cancel.
type RunsHandler struct {
	engine *engine.Engine
}

// NewRunsHandler creates a runs API handler.
func NewRunsHandler(eng *engine.Engine) *RunsHandler {
	return &RunsHandler{engine: eng}
}

// RegisterRoutes registers run API routes on the provided mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.handleTrigger)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /api/v1/runs/{id}/snapshots", h.handleListSnapshots)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/block", h.handleBlock)
}

// TriggerRequest is the body of POST /api/v1/runs.
type TriggerRequest struct {
	TaskIdentifier string `json:"taskIdentifier"`
	Payload        string `json:"payload,omitempty"`
	PayloadType    string `json:"payloadType,omitempty"`

	OrganizationID  string `json:"organizationId"`
	ProjectID       string `json:"projectId"`
	EnvironmentID   string `json:"environmentId"`
	EnvironmentType string `json:"environmentType"`

	Queue                 string `json:"queue,omitempty"`
	QueueConcurrencyLimit *int   `json:"queueConcurrencyLimit,omitempty"`
	ConcurrencyKey        string `json:"concurrencyKey,omitempty"`

	MaxAttempts    int        `json:"maxAttempts,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	TTL            string     `json:"ttl,omitempty"`
	DelayUntil     *time.Time `json:"delayUntil,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	Tags           []string   `json:"tags,omitempty"`

	ParentRunID              string `json:"parentRunId,omitempty"`
	ResumeParentOnCompletion bool   `json:"resumeParentOnCompletion,omitempty"`

	TraceContext string `json:"traceContext,omitempty"`
}

func (h *RunsHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TaskIdentifier == "" {
		httputil.WriteError(w, http.StatusBadRequest, "taskIdentifier is required")
		return
	}
	if req.OrganizationID == "" || req.ProjectID == "" || req.EnvironmentID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "organizationId, projectId and environmentId are required")
		return
	}

	params := engine.TriggerParams{
		TaskIdentifier:           req.TaskIdentifier,
		Payload:                  req.Payload,
		PayloadType:              req.PayloadType,
		OrganizationID:           req.OrganizationID,
		ProjectID:                req.ProjectID,
		EnvironmentID:            req.EnvironmentID,
		EnvironmentType:          keys.EnvironmentType(req.EnvironmentType),
		QueueName:                req.Queue,
		QueueConcurrencyLimit:    req.QueueConcurrencyLimit,
		ConcurrencyKey:           req.ConcurrencyKey,
		MaxAttempts:              req.MaxAttempts,
		DelayUntil:               req.DelayUntil,
		IdempotencyKey:           req.IdempotencyKey,
		Tags:                     req.Tags,
		ParentRunID:              req.ParentRunID,
		ResumeParentOnCompletion: req.ResumeParentOnCompletion,
		TraceContext:             req.TraceContext,
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
		params.TTL = ttl
	}
	if req.Priority != "" {
		priority, err := time.ParseDuration(req.Priority)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid priority: "+err.Error())
			return
		}
		params.Priority = priority
	}

	run, err := h.engine.Trigger(r.Context(), params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, newRunResponse(run))
}

// RunDetailResponse is the body of GET /api/v1/runs/{id}: the run, its
// authoritative snapshot and any pending blockers.
type RunDetailResponse struct {
	Run      RunResponse         `json:"run"`
	Snapshot SnapshotResponse    `json:"snapshot"`
	Blockers []WaitpointResponse `json:"blockers,omitempty"`
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	snap, err := h.engine.LatestSnapshot(r.Context(), run.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	blockers, err := h.engine.Store().ListBlockersForRun(r.Context(), run.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := RunDetailResponse{
		Run:      newRunResponse(run),
		Snapshot: newSnapshotResponse(snap),
	}
	for _, wp := range blockers {
		resp.Blockers = append(resp.Blockers, newWaitpointResponse(wp))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *RunsHandler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	snaps, err := h.engine.Store().ListSnapshots(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]SnapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newSnapshotResponse(snap))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

// CancelRequest is the body of POST /api/v1/runs/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var req CancelRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	run, err := h.engine.Cancel(r.Context(), runID, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newRunResponse(run))
}

// BlockRequest is the body of POST /api/v1/runs/{id}/block.
type BlockRequest struct {
	WaitpointID string `json:"waitpointId"`
}

func (h *RunsHandler) handleBlock(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var req BlockRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WaitpointID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "waitpointId is required")
		return
	}

	if err := h.engine.BlockRunWithWaitpoint(r.Context(), runID, req.WaitpointID); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
