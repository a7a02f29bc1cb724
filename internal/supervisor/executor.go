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
	"time"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/store"
)

// ExecutionRequest describes one attempt handed to the executor.
type ExecutionRequest struct {
	Run           api.RunResponse
	AttemptNumber int

	// CompletedWaitpoints lists waitpoint ids resolved since the
	// executor last ran, on warm resume.
	CompletedWaitpoints []string

	// Controller lets user code register waits mid-attempt.
	Controller AttemptController
}

// ExecutionResult is the executor's verdict for one attempt.
type ExecutionResult struct {
	Ok         bool
	Output     string
	OutputType string
	Error      *store.RunError
}

// TaskExecutor runs user code for one attempt. Execute must return
// promptly when ctx is cancelled; the session cancels it on run
// cancellation and on suspension.
type TaskExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// AttemptController is the session surface exposed to executing code.
type AttemptController interface {
	// WaitUntil blocks the run on a datetime waitpoint. Short waits
	// block in place and return the completed waitpoint ids; waits past
	// the suspension threshold detach the run and return ErrSuspended.
	WaitUntil(ctx context.Context, until time.Time) ([]string, error)
}
