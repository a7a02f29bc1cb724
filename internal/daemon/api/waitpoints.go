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
	"github.com/BunsDev/trigger-dev/internal/waitpoint"
)

// WaitpointsHandler serves manual and datetime waitpoint management.
type WaitpointsHandler struct {
	manager *waitpoint.Manager
}

// NewWaitpointsHandler creates a waitpoints API handler.
func NewWaitpointsHandler(m *waitpoint.Manager) *WaitpointsHandler {
	return &WaitpointsHandler{manager: m}
}

// RegisterRoutes registers waitpoint API routes on the provided mux.
func (h *WaitpointsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/waitpoints", h.handleCreate)
	mux.HandleFunc("POST /api/v1/waitpoints/{id}/complete", h.handleComplete)
}

// CreateWaitpointRequest is the body of POST /api/v1/waitpoints. A
// completedAfter creates a datetime waitpoint, otherwise a manual one.
type CreateWaitpointRequest struct {
	ProjectID      string     `json:"projectId"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	CompletedAfter *time.Time `json:"completedAfter,omitempty"`
}

func (h *WaitpointsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateWaitpointRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	if req.CompletedAfter != nil {
		wp, err := h.manager.CreateDateTimeWaitpoint(r.Context(), req.ProjectID, *req.CompletedAfter)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, newWaitpointResponse(wp))
		return
	}

	wp, err := h.manager.CreateManualWaitpoint(r.Context(), req.ProjectID, req.IdempotencyKey)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, newWaitpointResponse(wp))
}

// CompleteWaitpointRequest is the body of .../complete.
type CompleteWaitpointRequest struct {
	Output        string `json:"output,omitempty"`
	OutputIsError bool   `json:"outputIsError,omitempty"`
}

func (h *WaitpointsHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteWaitpointRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	wp, err := h.manager.CompleteWaitpoint(r.Context(), r.PathValue("id"), req.Output, req.OutputIsError)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newWaitpointResponse(wp))
}
