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

	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
	"github.com/BunsDev/trigger-dev/internal/engine"
	"github.com/BunsDev/trigger-dev/internal/engine/keys"
)

// QueuesHandler serves queue concurrency-limit management and
// introspection.
type QueuesHandler struct {
	engine *engine.Engine
}

// NewQueuesHandler creates a queues API handler.
func NewQueuesHandler(eng *engine.Engine) *QueuesHandler {
	return &QueuesHandler{engine: eng}
}

// RegisterRoutes registers queue API routes on the provided mux.
func (h *QueuesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/v1/queues/limits", h.handleSetLimit)
	mux.HandleFunc("DELETE /api/v1/queues/limits", h.handleRemoveLimit)
	mux.HandleFunc("GET /api/v1/queues/stats", h.handleStats)
}

// QueueLimitRequest addresses one queue within an environment.
type QueueLimitRequest struct {
	OrganizationID  string `json:"organizationId"`
	ProjectID       string `json:"projectId"`
	EnvironmentID   string `json:"environmentId"`
	EnvironmentType string `json:"environmentType"`
	Queue           string `json:"queue"`
	Limit           int    `json:"limit,omitempty"`
}

func (r *QueueLimitRequest) env() keys.Env {
	return keys.Env{
		OrganizationID: r.OrganizationID,
		ProjectID:      r.ProjectID,
		EnvironmentID:  r.EnvironmentID,
		Type:           keys.EnvironmentType(r.EnvironmentType),
	}
}

func (r *QueueLimitRequest) validate() string {
	if r.OrganizationID == "" || r.ProjectID == "" || r.EnvironmentID == "" {
		return "organizationId, projectId and environmentId are required"
	}
	if r.Queue == "" {
		return "queue is required"
	}
	return ""
}

func (h *QueuesHandler) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req QueueLimitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Limit <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "limit must be positive")
		return
	}

	if err := h.engine.SetQueueConcurrencyLimit(r.Context(), req.env(), req.Queue, req.Limit); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *QueuesHandler) handleRemoveLimit(w http.ResponseWriter, r *http.Request) {
	var req QueueLimitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.engine.RemoveQueueConcurrencyLimit(r.Context(), req.env(), req.Queue); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// QueueStatsResponse is the body of GET /api/v1/queues/stats.
type QueueStatsResponse struct {
	Queue              string `json:"queue"`
	Length             int64  `json:"length"`
	CurrentConcurrency int64  `json:"currentConcurrency"`
	ConcurrencyLimit   *int   `json:"concurrencyLimit,omitempty"`
}

func (h *QueuesHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := QueueLimitRequest{
		OrganizationID:  q.Get("organizationId"),
		ProjectID:       q.Get("projectId"),
		EnvironmentID:   q.Get("environmentId"),
		EnvironmentType: q.Get("environmentType"),
		Queue:           q.Get("queue"),
	}
	if msg := req.validate(); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	stats, err := h.engine.QueueStats(r.Context(), req.env(), req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, QueueStatsResponse{
		Queue:              stats.QueueName,
		Length:             stats.Length,
		CurrentConcurrency: stats.CurrentConcurrency,
		ConcurrencyLimit:   stats.ConcurrencyLimit,
	})
}
