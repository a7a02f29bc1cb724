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
	"time"

	"github.com/BunsDev/trigger-dev/internal/store"
)

// RunResponse is the wire representation of a run.
type RunResponse struct {
	ID              string          `json:"id"`
	TaskIdentifier  string          `json:"taskIdentifier"`
	Status          store.RunStatus `json:"status"`
	Payload         string          `json:"payload,omitempty"`
	PayloadType     string          `json:"payloadType,omitempty"`
	QueueName       string          `json:"queue"`
	EnvironmentID   string          `json:"environmentId"`
	EnvironmentType string          `json:"environmentType"`
	AttemptCount    int             `json:"attemptCount"`
	MaxAttempts     int             `json:"maxAttempts"`
	Output          string          `json:"output,omitempty"`
	OutputType      string          `json:"outputType,omitempty"`
	Error           *store.RunError `json:"error,omitempty"`
	TraceContext    string          `json:"traceContext,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	DelayUntil      *time.Time      `json:"delayUntil,omitempty"`
}

// SnapshotResponse is the wire representation of an execution snapshot.
type SnapshotResponse struct {
	ID                    string                `json:"id"`
	RunID                 string                `json:"runId"`
	ExecutionStatus       store.ExecutionStatus `json:"executionStatus"`
	RunStatus             store.RunStatus       `json:"runStatus"`
	AttemptNumber         int                   `json:"attemptNumber"`
	Description           string                `json:"description,omitempty"`
	CompletedWaitpointIDs []string              `json:"completedWaitpointIds,omitempty"`
	CreatedAt             time.Time             `json:"createdAt"`
}

// WaitpointResponse is the wire representation of a waitpoint.
type WaitpointResponse struct {
	ID            string                `json:"id"`
	Type          store.WaitpointType   `json:"type"`
	Status        store.WaitpointStatus `json:"status"`
	Output        string                `json:"output,omitempty"`
	OutputIsError bool                  `json:"outputIsError,omitempty"`
	CompletedAt   *time.Time            `json:"completedAt,omitempty"`
}

func newRunResponse(run *store.Run) RunResponse {
	return RunResponse{
		ID:              run.ID,
		TaskIdentifier:  run.TaskIdentifier,
		Status:          run.Status,
		Payload:         run.Payload,
		PayloadType:     run.PayloadType,
		QueueName:       run.QueueName,
		EnvironmentID:   run.EnvironmentID,
		EnvironmentType: run.EnvironmentType,
		AttemptCount:    run.AttemptCount,
		MaxAttempts:     run.MaxAttempts,
		Output:          run.Output,
		OutputType:      run.OutputType,
		Error:           run.Error,
		TraceContext:    run.TraceContext,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		DelayUntil:      run.DelayUntil,
	}
}

func newSnapshotResponse(snap *store.ExecutionSnapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:                    snap.ID,
		RunID:                 snap.RunID,
		ExecutionStatus:       snap.ExecutionStatus,
		RunStatus:             snap.RunStatus,
		AttemptNumber:         snap.AttemptNumber,
		Description:           snap.Description,
		CompletedWaitpointIDs: snap.CompletedWaitpointIDs,
		CreatedAt:             snap.CreatedAt,
	}
}

func newWaitpointResponse(wp *store.Waitpoint) WaitpointResponse {
	return WaitpointResponse{
		ID:            wp.ID,
		Type:          wp.Type,
		Status:        wp.Status,
		Output:        wp.Output,
		OutputIsError: wp.OutputIsError,
		CompletedAt:   wp.CompletedAt,
	}
}
