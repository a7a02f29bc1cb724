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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
)

func newTriggerCommand(state *rootState) *cobra.Command {
	var (
		payload        string
		queue          string
		queueLimit     int
		concurrencyKey string
		maxAttempts    int
		priority       string
		ttl            string
		delay          string
		idempotencyKey string
		tags           []string

		org     string
		project string
		env     string
		envType string
	)

	cmd := &cobra.Command{
		Use:   "trigger <task-identifier>",
		Short: "Trigger a task run",
		Long: `Trigger enqueues a run for the given task identifier. The payload is
read from --payload, or from a file with --payload @path, or from stdin
with --payload -.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := resolvePayload(payload, cmd.InOrStdin())
			if err != nil {
				return err
			}

			req := api.TriggerRequest{
				TaskIdentifier:  args[0],
				Payload:         body,
				PayloadType:     "application/json",
				OrganizationID:  org,
				ProjectID:       project,
				EnvironmentID:   env,
				EnvironmentType: envType,
				Queue:           queue,
				ConcurrencyKey:  concurrencyKey,
				MaxAttempts:     maxAttempts,
				Priority:        priority,
				TTL:             ttl,
				IdempotencyKey:  idempotencyKey,
				Tags:            tags,
			}
			if queueLimit > 0 {
				req.QueueConcurrencyLimit = &queueLimit
			}
			if delay != "" {
				d, err := time.ParseDuration(delay)
				if err != nil {
					return fmt.Errorf("invalid --delay: %w", err)
				}
				until := time.Now().Add(d)
				req.DelayUntil = &until
			}

			run, err := state.client().Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			if state.json {
				return printJSON(cmd, run)
			}
			cmd.Printf("%s\t%s\t%s\n", run.ID, run.TaskIdentifier, run.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Run payload (@file reads a file, - reads stdin)")
	cmd.Flags().StringVar(&queue, "queue", "", "Target queue (default task/<identifier>)")
	cmd.Flags().IntVar(&queueLimit, "queue-limit", 0, "Concurrency limit to set on the queue")
	cmd.Flags().StringVar(&concurrencyKey, "concurrency-key", "", "Per-key concurrency bucket")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum attempts before the run fails")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority time offset, e.g. 30s")
	cmd.Flags().StringVar(&ttl, "ttl", "", "Expire the run if not dequeued within this duration")
	cmd.Flags().StringVar(&delay, "delay", "", "Delay the run by this duration")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Deduplicate triggers sharing this key")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag the run (repeatable)")

	cmd.Flags().StringVar(&org, "org", envOr("ENGINE_ORG_ID", "org_local"), "Organization id")
	cmd.Flags().StringVar(&project, "project", envOr("ENGINE_PROJECT_ID", "proj_local"), "Project id")
	cmd.Flags().StringVar(&env, "env", envOr("ENGINE_ENV_ID", "env_local"), "Environment id")
	cmd.Flags().StringVar(&envType, "env-type", envOr("ENGINE_ENV_TYPE", "DEVELOPMENT"), "Environment type")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func resolvePayload(arg string, stdin io.Reader) (string, error) {
	switch {
	case arg == "":
		return "", nil
	case arg == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return "", fmt.Errorf("read payload file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return arg, nil
	}
}
