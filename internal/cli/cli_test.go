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

package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
	"github.com/BunsDev/trigger-dev/internal/store"
)

// execute runs runctl against srv and returns stdout.
func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand("test", "none", "now")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--url", srv.URL, "--token", "secret"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestTriggerCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/runs", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req api.TriggerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hello", req.TaskIdentifier)
		require.Equal(t, `{"n":1}`, req.Payload)
		require.Equal(t, []string{"smoke"}, req.Tags)

		httputil.WriteJSON(w, http.StatusCreated, api.RunResponse{
			ID:             "run_1",
			TaskIdentifier: req.TaskIdentifier,
			Status:         store.RunStatusPending,
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "trigger", "hello", "-p", `{"n":1}`, "--tag", "smoke")
	require.NoError(t, err)
	require.Contains(t, out, "run_1")
	require.Contains(t, out, string(store.RunStatusPending))
}

func TestRunsGetCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/runs/run_1", r.URL.Path)
		httputil.WriteJSON(w, http.StatusOK, api.RunDetailResponse{
			Run: api.RunResponse{
				ID:             "run_1",
				TaskIdentifier: "hello",
				Status:         store.RunStatusWaitingToResume,
				QueueName:      "task/hello",
			},
			Snapshot: api.SnapshotResponse{
				ID:              "snap_3",
				ExecutionStatus: store.ExecutionStatusBlockedByWaitpoints,
			},
			Blockers: []api.WaitpointResponse{
				{ID: "wp_1", Type: store.WaitpointTypeManual, Status: store.WaitpointStatusPending},
			},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "runs", "get", "run_1")
	require.NoError(t, err)
	require.Contains(t, out, "run_1")
	require.Contains(t, out, "task/hello")
	require.Contains(t, out, "blocked by wp_1")
}

func TestRunsGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorCode(w, http.StatusNotFound, "NOT_FOUND", "run not found")
	}))
	defer srv.Close()

	_, err := execute(t, srv, "runs", "get", "run_missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run not found")
}

func TestRunsCancelCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/runs/run_1/cancel", r.URL.Path)
		var req api.CancelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "operator request", req.Reason)
		httputil.WriteJSON(w, http.StatusOK, api.RunResponse{ID: "run_1", Status: store.RunStatusCanceled})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "runs", "cancel", "run_1", "--reason", "operator request")
	require.NoError(t, err)
	require.Contains(t, out, string(store.RunStatusCanceled))
}

func TestQueuesStatsCommand(t *testing.T) {
	limit := 5
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/queues/stats", r.URL.Path)
		require.Equal(t, "task/hello", r.URL.Query().Get("queue"))
		require.Equal(t, "o1", r.URL.Query().Get("organizationId"))
		httputil.WriteJSON(w, http.StatusOK, api.QueueStatsResponse{
			Queue:              "task/hello",
			Length:             7,
			CurrentConcurrency: 2,
			ConcurrencyLimit:   &limit,
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "queues", "stats",
		"--queue", "task/hello", "--org", "o1", "--project", "p1", "--env", "e1")
	require.NoError(t, err)
	require.Contains(t, out, "length:      7")
	require.Contains(t, out, "limit:       5")
}

func TestWaitpointsCompleteCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/waitpoints/wp_1/complete", r.URL.Path)
		var req api.CompleteWaitpointRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, `"ok"`, req.Output)
		httputil.WriteJSON(w, http.StatusOK, api.WaitpointResponse{
			ID:     "wp_1",
			Type:   store.WaitpointTypeManual,
			Status: store.WaitpointStatusCompleted,
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "waitpoints", "complete", "wp_1", "--output", `"ok"`)
	require.NoError(t, err)
	require.Contains(t, out, string(store.WaitpointStatusCompleted))
}

func TestResolvePayload(t *testing.T) {
	got, err := resolvePayload("-", strings.NewReader(`{"from":"stdin"}`))
	require.NoError(t, err)
	require.Equal(t, `{"from":"stdin"}`, got)

	got, err = resolvePayload(`{"inline":true}`, nil)
	require.NoError(t, err)
	require.Equal(t, `{"inline":true}`, got)

	got, err = resolvePayload("", nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
