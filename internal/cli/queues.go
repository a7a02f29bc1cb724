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
	"github.com/spf13/cobra"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
)

// queueScope holds the environment flags shared by queue subcommands.
type queueScope struct {
	org     string
	project string
	env     string
	envType string
	queue   string
}

func (s *queueScope) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.org, "org", envOr("ENGINE_ORG_ID", "org_local"), "Organization id")
	cmd.Flags().StringVar(&s.project, "project", envOr("ENGINE_PROJECT_ID", "proj_local"), "Project id")
	cmd.Flags().StringVar(&s.env, "env", envOr("ENGINE_ENV_ID", "env_local"), "Environment id")
	cmd.Flags().StringVar(&s.envType, "env-type", envOr("ENGINE_ENV_TYPE", "DEVELOPMENT"), "Environment type")
	cmd.Flags().StringVar(&s.queue, "queue", "", "Queue name, e.g. task/hello")
	_ = cmd.MarkFlagRequired("queue")
}

func (s *queueScope) request() api.QueueLimitRequest {
	return api.QueueLimitRequest{
		OrganizationID:  s.org,
		ProjectID:       s.project,
		EnvironmentID:   s.env,
		EnvironmentType: s.envType,
		Queue:           s.queue,
	}
}

func newQueuesCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Manage queue concurrency limits",
	}
	cmd.AddCommand(
		newQueuesSetLimitCommand(state),
		newQueuesClearLimitCommand(state),
		newQueuesStatsCommand(state),
	)
	return cmd
}

func newQueuesSetLimitCommand(state *rootState) *cobra.Command {
	var scope queueScope
	var limit int
	cmd := &cobra.Command{
		Use:   "set-limit",
		Short: "Set a queue concurrency limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := scope.request()
			req.Limit = limit
			if err := state.client().SetQueueLimit(cmd.Context(), req); err != nil {
				return err
			}
			cmd.Printf("%s limit=%d\n", scope.queue, limit)
			return nil
		},
	}
	scope.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "Concurrency limit")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func newQueuesClearLimitCommand(state *rootState) *cobra.Command {
	var scope queueScope
	cmd := &cobra.Command{
		Use:   "clear-limit",
		Short: "Remove a queue concurrency limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.client().RemoveQueueLimit(cmd.Context(), scope.request()); err != nil {
				return err
			}
			cmd.Printf("%s limit cleared\n", scope.queue)
			return nil
		},
	}
	scope.register(cmd)
	return cmd
}

func newQueuesStatsCommand(state *rootState) *cobra.Command {
	var scope queueScope
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue length and concurrency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := state.client().QueueStats(cmd.Context(), scope.request())
			if err != nil {
				return err
			}
			if state.json {
				return printJSON(cmd, stats)
			}
			cmd.Printf("queue:       %s\n", stats.Queue)
			cmd.Printf("length:      %d\n", stats.Length)
			cmd.Printf("executing:   %d\n", stats.CurrentConcurrency)
			if stats.ConcurrencyLimit != nil {
				cmd.Printf("limit:       %d\n", *stats.ConcurrencyLimit)
			} else {
				cmd.Printf("limit:       (env default)\n")
			}
			return nil
		},
	}
	scope.register(cmd)
	return cmd
}
