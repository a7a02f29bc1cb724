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
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestProcessExecutorSuccess(t *testing.T) {
	requireSh(t)
	exec := &ProcessExecutor{Command: []string{"sh", "-c", `cat; printf ' from %s' "$TASK_RUN_ID"`}}
	res, err := exec.Execute(context.Background(), ExecutionRequest{
		Run:           api.RunResponse{ID: "run_1", TaskIdentifier: "hello", Payload: `{"n":1}`},
		AttemptNumber: 1,
	})
	require.NoError(t, err)
	require.True(t, res.Ok)
	require.Equal(t, `{"n":1} from run_1`, res.Output)
}

func TestProcessExecutorFailureCapturesStderr(t *testing.T) {
	requireSh(t)
	exec := &ProcessExecutor{Command: []string{"sh", "-c", `echo boom >&2; exit 3`}}
	res, err := exec.Execute(context.Background(), ExecutionRequest{
		Run: api.RunResponse{ID: "run_1"},
	})
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.NotNil(t, res.Error)
	require.Equal(t, "TASK_RUN_ERROR", res.Error.Type)
	require.Equal(t, "boom", res.Error.Message)
}

func TestProcessExecutorCancellation(t *testing.T) {
	requireSh(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := &ProcessExecutor{Command: []string{"sh", "-c", "sleep 30"}}
	_, err := exec.Execute(ctx, ExecutionRequest{Run: api.RunResponse{ID: "run_1"}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessExecutorNoCommand(t *testing.T) {
	exec := &ProcessExecutor{}
	_, err := exec.Execute(context.Background(), ExecutionRequest{})
	require.Error(t, err)
}
