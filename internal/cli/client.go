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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
)

// Client is a thin wrapper over the daemon's public HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a daemon API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr httputil.ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d %s)", apiErr.Error, resp.StatusCode, apiErr.Code)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Trigger creates a run.
func (c *Client) Trigger(ctx context.Context, req api.TriggerRequest) (*api.RunResponse, error) {
	var run api.RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run with its latest snapshot and blockers.
func (c *Client) GetRun(ctx context.Context, runID string) (*api.RunDetailResponse, error) {
	var detail api.RunDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListSnapshots fetches a run's snapshot history, oldest first.
func (c *Client) ListSnapshots(ctx context.Context, runID string) ([]api.SnapshotResponse, error) {
	var resp struct {
		Snapshots []api.SnapshotResponse `json:"snapshots"`
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/snapshots"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID, reason string) (*api.RunResponse, error) {
	var run api.RunResponse
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, api.CancelRequest{Reason: reason}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Block blocks a run on an existing waitpoint.
func (c *Client) Block(ctx context.Context, runID, waitpointID string) error {
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/block"
	return c.do(ctx, http.MethodPost, path, api.BlockRequest{WaitpointID: waitpointID}, nil)
}

// CreateWaitpoint creates a manual or datetime waitpoint.
func (c *Client) CreateWaitpoint(ctx context.Context, req api.CreateWaitpointRequest) (*api.WaitpointResponse, error) {
	var wp api.WaitpointResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/waitpoints", req, &wp); err != nil {
		return nil, err
	}
	return &wp, nil
}

// CompleteWaitpoint completes a manual waitpoint.
func (c *Client) CompleteWaitpoint(ctx context.Context, id string, req api.CompleteWaitpointRequest) (*api.WaitpointResponse, error) {
	var wp api.WaitpointResponse
	path := "/api/v1/waitpoints/" + url.PathEscape(id) + "/complete"
	if err := c.do(ctx, http.MethodPost, path, req, &wp); err != nil {
		return nil, err
	}
	return &wp, nil
}

// SetQueueLimit sets a queue concurrency limit.
func (c *Client) SetQueueLimit(ctx context.Context, req api.QueueLimitRequest) error {
	return c.do(ctx, http.MethodPut, "/api/v1/queues/limits", req, nil)
}

// RemoveQueueLimit clears a queue concurrency limit.
func (c *Client) RemoveQueueLimit(ctx context.Context, req api.QueueLimitRequest) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/queues/limits", req, nil)
}

// QueueStats fetches queue length and concurrency for one queue.
func (c *Client) QueueStats(ctx context.Context, req api.QueueLimitRequest) (*api.QueueStatsResponse, error) {
	q := url.Values{}
	q.Set("organizationId", req.OrganizationID)
	q.Set("projectId", req.ProjectID)
	q.Set("environmentId", req.EnvironmentID)
	q.Set("environmentType", req.EnvironmentType)
	q.Set("queue", req.Queue)

	var stats api.QueueStatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues/stats?"+q.Encode(), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
