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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/BunsDev/trigger-dev/internal/store"
)

// stderrTailLimit bounds the error message taken from a failed task.
const stderrTailLimit = 2048

// ProcessExecutor runs each attempt as a child process. The run payload
// is written to stdin, run metadata is passed through TASK_* environment
// variables, and stdout becomes the attempt output. A zero exit status
// is success; anything else fails the attempt with the stderr tail as
// the error message.
type ProcessExecutor struct {
	// Command and its arguments, e.g. ["node", "worker.js"].
	Command []string
}

// Execute implements TaskExecutor.
func (p *ProcessExecutor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(p.Command) == 0 {
		return nil, fmt.Errorf("procexec: no command configured")
	}

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Stdin = strings.NewReader(req.Run.Payload)
	cmd.Env = append(os.Environ(),
		"TASK_RUN_ID="+req.Run.ID,
		"TASK_IDENTIFIER="+req.Run.TaskIdentifier,
		"TASK_ATTEMPT_NUMBER="+strconv.Itoa(req.AttemptNumber),
		"TASK_PAYLOAD_TYPE="+req.Run.PayloadType,
		"TASK_COMPLETED_WAITPOINTS="+strings.Join(req.CompletedWaitpoints, ","),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTailLimit {
			msg = msg[len(msg)-stderrTailLimit:]
		}
		if msg == "" {
			msg = err.Error()
		}
		return &ExecutionResult{
			Ok:    false,
			Error: &store.RunError{Type: "TASK_RUN_ERROR", Message: msg},
		}, nil
	}

	return &ExecutionResult{
		Ok:         true,
		Output:     strings.TrimSpace(stdout.String()),
		OutputType: "application/json",
	}, nil
}
