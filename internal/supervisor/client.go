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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
	"github.com/BunsDev/trigger-dev/internal/tracing"
)

// EngineAPI is the daemon surface a supervisor and its sessions use.
// Run-scoped calls pass the per-run token minted at dequeue; an empty
// token falls back to the shared supervisor token.
type EngineAPI interface {
	Dequeue(ctx context.Context, consumerID, masterQueue string, maxRuns int, maxWait time.Duration) ([]api.DequeuedRunResponse, error)
	LatestSnapshot(ctx context.Context, token, runID string) (*api.SnapshotResponse, error)
	StartAttempt(ctx context.Context, token, runID, snapshotID, workerID string) (*api.StartAttemptResponse, error)
	CompleteAttempt(ctx context.Context, token, runID, snapshotID string, req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error)
	Heartbeat(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error)
	Suspend(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error)
	Continue(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error)
	WaitForDuration(ctx context.Context, token, runID, snapshotID string, until time.Time) (*api.WaitpointResponse, error)
}

// Client is the HTTP implementation of EngineAPI.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a daemon client. token is the shared supervisor
// bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		// No overall timeout: dequeue long-polls. Per-call deadlines
		// come from the caller's context.
		http: &http.Client{},
	}
}

// apiError carries the daemon's structured error body.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("engine API %d %s: %s", e.Status, e.Code, e.Message)
}

// IsConflict reports whether err is a 409 from the daemon, meaning the
// snapshot went stale or the run moved on.
func IsConflict(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// do issues one JSON request. A nil out with a 2xx response discards
// the body; 204 leaves out untouched and returns errNoContent.
var errNoContent = errors.New("no content")

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	if resp.StatusCode >= 400 {
		var body httputil.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &apiError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Dequeue(ctx context.Context, consumerID, masterQueue string, maxRuns int, maxWait time.Duration) ([]api.DequeuedRunResponse, error) {
	req := api.DequeueRequest{
		ConsumerID:  consumerID,
		MasterQueue: masterQueue,
		MaxRuns:     maxRuns,
	}
	if maxWait > 0 {
		req.MaxWait = maxWait.String()
	}
	var resp api.DequeueResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/worker/dequeue", "", req, &resp)
	if err == errNoContent {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func snapshotPath(runID, snapshotID, op string) string {
	return fmt.Sprintf("/api/v1/worker/runs/%s/snapshots/%s%s", runID, snapshotID, op)
}

func (c *Client) LatestSnapshot(ctx context.Context, token, runID string) (*api.SnapshotResponse, error) {
	var snap api.SnapshotResponse
	path := fmt.Sprintf("/api/v1/worker/runs/%s/snapshots/latest", runID)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) StartAttempt(ctx context.Context, token, runID, snapshotID, workerID string) (*api.StartAttemptResponse, error) {
	var resp api.StartAttemptResponse
	err := c.do(ctx, http.MethodPost, snapshotPath(runID, snapshotID, "/attempts/start"), token,
		api.StartAttemptRequest{WorkerID: workerID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CompleteAttempt(ctx context.Context, token, runID, snapshotID string, req api.CompleteAttemptRequest) (*api.CompleteAttemptResponse, error) {
	var resp api.CompleteAttemptResponse
	err := c.do(ctx, http.MethodPost, snapshotPath(runID, snapshotID, "/attempts/complete"), token, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error) {
	var snap api.SnapshotResponse
	err := c.do(ctx, http.MethodPost, snapshotPath(runID, snapshotID, "/heartbeat"), token, struct{}{}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Suspend(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error) {
	var snap api.SnapshotResponse
	err := c.do(ctx, http.MethodPost, snapshotPath(runID, snapshotID, "/suspend"), token, struct{}{}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Continue(ctx context.Context, token, runID, snapshotID string) (*api.SnapshotResponse, error) {
	var snap api.SnapshotResponse
	err := c.do(ctx, http.MethodPost, snapshotPath(runID, snapshotID, "/continue"), token, struct{}{}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) WaitForDuration(ctx context.Context, token, runID, snapshotID string, until time.Time) (*api.WaitpointResponse, error) {
	var wp api.WaitpointResponse
	err := c.do(ctx, http.MethodPost, snapshotPath(runID, snapshotID, "/wait/duration"), token,
		api.WaitDurationRequest{Until: until}, &wp)
	if err != nil {
		return nil, err
	}
	return &wp, nil
}
