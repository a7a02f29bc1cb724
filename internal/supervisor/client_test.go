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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
	"github.com/BunsDev/trigger-dev/internal/store"
)

func TestClientDequeue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/worker/dequeue", r.URL.Path)
		require.Equal(t, "Bearer shared-token", r.Header.Get("Authorization"))

		var req api.DequeueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "sup_test", req.ConsumerID)
		require.Equal(t, "sharedQueue", req.MasterQueue)
		require.Equal(t, 3, req.MaxRuns)
		require.Equal(t, "5s", req.MaxWait)

		httputil.WriteJSON(w, http.StatusOK, api.DequeueResponse{
			Runs: []api.DequeuedRunResponse{{
				Run:      api.RunResponse{ID: "run_1"},
				Snapshot: api.SnapshotResponse{ID: "snap_1", ExecutionStatus: store.ExecutionStatusDequeuedForExecution},
				Token:    "run-token",
			}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shared-token")
	runs, err := client.Dequeue(context.Background(), "sup_test", "sharedQueue", 3, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run_1", runs[0].Run.ID)
	require.Equal(t, "run-token", runs[0].Token)
}

func TestClientDequeueNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shared-token")
	runs, err := client.Dequeue(context.Background(), "sup_test", "sharedQueue", 1, 0)
	require.NoError(t, err)
	require.Nil(t, runs)
}

func TestClientRunTokenOverridesShared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/worker/runs/run_1/snapshots/snap_1/heartbeat", r.URL.Path)
		require.Equal(t, "Bearer run-token", r.Header.Get("Authorization"))
		httputil.WriteJSON(w, http.StatusOK, api.SnapshotResponse{ID: "snap_1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shared-token")
	snap, err := client.Heartbeat(context.Background(), "run-token", "run_1", "snap_1")
	require.NoError(t, err)
	require.Equal(t, "snap_1", snap.ID)
}

func TestClientConflictError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/worker/runs/run_1/snapshots/snap_old/attempts/start", r.URL.Path)
		httputil.WriteErrorCode(w, http.StatusConflict, "SNAPSHOT_STALE", "snapshot is not latest")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shared-token")
	_, err := client.StartAttempt(context.Background(), "", "run_1", "snap_old", "runner_1")
	require.Error(t, err)
	require.True(t, IsConflict(err))
	require.False(t, IsNotFound(err))
	require.Contains(t, err.Error(), "SNAPSHOT_STALE")
}

func TestClientNotFoundError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorCode(w, http.StatusNotFound, "NOT_FOUND", "run not found")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shared-token")
	_, err := client.LatestSnapshot(context.Background(), "", "run_missing")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
	require.False(t, IsConflict(err))
}

func TestClientWaitForDuration(t *testing.T) {
	until := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/worker/runs/run_1/snapshots/snap_1/wait/duration", r.URL.Path)
		var req api.WaitDurationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Until.Equal(until))
		httputil.WriteJSON(w, http.StatusCreated, api.WaitpointResponse{
			ID:     "wp_1",
			Type:   store.WaitpointTypeDateTime,
			Status: store.WaitpointStatusPending,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shared-token")
	wp, err := client.WaitForDuration(context.Background(), "run-token", "run_1", "snap_1", until)
	require.NoError(t, err)
	require.Equal(t, "wp_1", wp.ID)
}
