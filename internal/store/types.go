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

package store

import (
	"time"
)

// RunStatus is the user-visible lifecycle status of a run. Transitions
// happen only through the run engine.
type RunStatus string

const (
	RunStatusPending               RunStatus = "PENDING"
	RunStatusDelayed               RunStatus = "DELAYED"
	RunStatusExecuting             RunStatus = "EXECUTING"
	RunStatusWaitingToResume       RunStatus = "WAITING_TO_RESUME"
	RunStatusCompletedSuccessfully RunStatus = "COMPLETED_SUCCESSFULLY"
	RunStatusCompletedWithErrors   RunStatus = "COMPLETED_WITH_ERRORS"
	RunStatusSystemFailure         RunStatus = "SYSTEM_FAILURE"
	RunStatusCrashed               RunStatus = "CRASHED"
	RunStatusExpired               RunStatus = "EXPIRED"
	RunStatusCanceled              RunStatus = "CANCELED"
)

// Terminal reports whether the status is final. Terminal runs hold no
// queue entries and no waitpoint blockers.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompletedSuccessfully, RunStatusCompletedWithErrors,
		RunStatusSystemFailure, RunStatusCrashed, RunStatusExpired, RunStatusCanceled:
		return true
	}
	return false
}

// ExecutionStatus is the execution-snapshot status. The latest snapshot
// is the single source of truth for where a run is in its execution.
type ExecutionStatus string

const (
	ExecutionStatusRunCreated              ExecutionStatus = "RUN_CREATED"
	ExecutionStatusQueued                  ExecutionStatus = "QUEUED"
	ExecutionStatusDequeuedForExecution    ExecutionStatus = "DEQUEUED_FOR_EXECUTION"
	ExecutionStatusPendingExecuting        ExecutionStatus = "PENDING_EXECUTING"
	ExecutionStatusExecuting               ExecutionStatus = "EXECUTING"
	ExecutionStatusExecutingWithWaitpoints ExecutionStatus = "EXECUTING_WITH_WAITPOINTS"
	ExecutionStatusBlockedByWaitpoints     ExecutionStatus = "BLOCKED_BY_WAITPOINTS"
	ExecutionStatusPendingCancel           ExecutionStatus = "PENDING_CANCEL"
	ExecutionStatusSuspended               ExecutionStatus = "SUSPENDED"
	ExecutionStatusFinished                ExecutionStatus = "FINISHED"
)

// RunError is the structured error retained on a terminally failed run.
type RunError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Run is a single invocation of a task with a given payload.
type Run struct {
	ID         string
	FriendlyID string

	TaskIdentifier string
	Payload        string
	PayloadType    string

	OrganizationID  string
	ProjectID       string
	EnvironmentID   string
	EnvironmentType string

	QueueName      string
	MasterQueue    string
	ConcurrencyKey string
	IdempotencyKey string

	// ConsumerID is the consumer holding the run's queue claim since the
	// last dequeue. Empty while the run is queued or was never handed out.
	ConsumerID string

	MaxAttempts  int
	AttemptCount int
	TTL          time.Duration
	DelayUntil   *time.Time
	Tags         []string

	ParentRunID              string
	ParentAttemptID          string
	RootRunID                string
	BatchID                  string
	Depth                    int
	ResumeParentOnCompletion bool

	// AssociatedWaitpointID is the run-type waitpoint completed when
	// this run reaches a terminal status.
	AssociatedWaitpointID string

	// TraceContext carries the W3C traceparent captured at trigger time.
	TraceContext string

	Status     RunStatus
	Output     string
	OutputType string
	Error      *RunError

	CreatedAt   time.Time
	UpdatedAt   time.Time
	QueuedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiredAt   *time.Time
}

// ExecutionSnapshot is an immutable record of a run's execution status
// at a point in time. Snapshots are append-only; only the latest is
// authoritative.
type ExecutionSnapshot struct {
	ID              string
	RunID           string
	ExecutionStatus ExecutionStatus
	RunStatus       RunStatus
	AttemptNumber   int
	WorkerID        string
	Description     string
	// CompletedWaitpointIDs lists waitpoints resolved since the
	// previous snapshot, delivered to the runner on resume.
	CompletedWaitpointIDs []string
	CreatedAt             time.Time
}

// WaitpointType governs how a waitpoint becomes COMPLETED.
type WaitpointType string

const (
	WaitpointTypeRun      WaitpointType = "RUN"
	WaitpointTypeDateTime WaitpointType = "DATETIME"
	WaitpointTypeManual   WaitpointType = "MANUAL"
)

// WaitpointStatus is PENDING until completion; COMPLETED is terminal.
type WaitpointStatus string

const (
	WaitpointStatusPending   WaitpointStatus = "PENDING"
	WaitpointStatusCompleted WaitpointStatus = "COMPLETED"
)

// Waitpoint is a completion token a run can block on.
type Waitpoint struct {
	ID        string
	ProjectID string
	Type      WaitpointType
	Status    WaitpointStatus

	// CompletedAfter is set for datetime waitpoints.
	CompletedAfter *time.Time
	// CompletedByRunID is set for run-type waitpoints.
	CompletedByRunID string

	IdempotencyKey string

	Output        string
	OutputIsError bool

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// RunWaitpoint joins a blocked run to a pending waitpoint. Its presence
// means the run is blocked; a run with no rows is unblocked.
type RunWaitpoint struct {
	RunID       string
	WaitpointID string
	ProjectID   string
	CreatedAt   time.Time
}

// QueueType distinguishes explicitly declared queues from ones created
// implicitly by a trigger.
type QueueType string

const (
	QueueTypeNamed   QueueType = "NAMED"
	QueueTypeVirtual QueueType = "VIRTUAL"
)

// TaskQueue holds per-queue configuration. A nil ConcurrencyLimit
// inherits the environment limit.
type TaskQueue struct {
	EnvironmentID    string
	Name             string
	ConcurrencyLimit *int
	Type             QueueType
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AttemptStatus is the lifecycle status of a single attempt.
type AttemptStatus string

const (
	AttemptStatusExecuting AttemptStatus = "EXECUTING"
	AttemptStatusCompleted AttemptStatus = "COMPLETED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
	AttemptStatusCanceled  AttemptStatus = "CANCELED"
)

// Attempt is one execution try of a run.
type Attempt struct {
	ID          string
	RunID       string
	Number      int
	Status      AttemptStatus
	WorkerID    string
	Error       *RunError
	StartedAt   time.Time
	CompletedAt *time.Time
}
