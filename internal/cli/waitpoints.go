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
	"time"

	"github.com/spf13/cobra"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
)

func newWaitpointsCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waitpoints",
		Short: "Create and complete waitpoints",
	}
	cmd.AddCommand(
		newWaitpointsCreateCommand(state),
		newWaitpointsCompleteCommand(state),
	)
	return cmd
}

func newWaitpointsCreateCommand(state *rootState) *cobra.Command {
	var (
		project        string
		idempotencyKey string
		after          string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manual or datetime waitpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.CreateWaitpointRequest{
				ProjectID:      project,
				IdempotencyKey: idempotencyKey,
			}
			if after != "" {
				d, err := time.ParseDuration(after)
				if err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}
				at := time.Now().Add(d)
				req.CompletedAfter = &at
			}

			wp, err := state.client().CreateWaitpoint(cmd.Context(), req)
			if err != nil {
				return err
			}
			if state.json {
				return printJSON(cmd, wp)
			}
			cmd.Printf("%s\t%s\t%s\n", wp.ID, wp.Type, wp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", envOr("ENGINE_PROJECT_ID", "proj_local"), "Project id")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Deduplicate waitpoints sharing this key")
	cmd.Flags().StringVar(&after, "after", "", "Auto-complete after this duration (datetime waitpoint)")
	return cmd
}

func newWaitpointsCompleteCommand(state *rootState) *cobra.Command {
	var (
		output  string
		isError bool
	)
	cmd := &cobra.Command{
		Use:   "complete <waitpoint-id>",
		Short: "Complete a manual waitpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wp, err := state.client().CompleteWaitpoint(cmd.Context(), args[0], api.CompleteWaitpointRequest{
				Output:        output,
				OutputIsError: isError,
			})
			if err != nil {
				return err
			}
			if state.json {
				return printJSON(cmd, wp)
			}
			cmd.Printf("%s\t%s\n", wp.ID, wp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Output delivered to blocked runs")
	cmd.Flags().BoolVar(&isError, "error", false, "Mark the output as an error")
	return cmd
}
