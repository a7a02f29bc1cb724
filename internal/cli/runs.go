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
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage runs",
	}
	cmd.AddCommand(
		newRunsGetCommand(state),
		newRunsSnapshotsCommand(state),
		newRunsCancelCommand(state),
		newRunsBlockCommand(state),
	)
	return cmd
}

func newRunsGetCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run with its latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := state.client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if state.json {
				return printJSON(cmd, detail)
			}
			cmd.Printf("run:       %s\n", detail.Run.ID)
			cmd.Printf("task:      %s\n", detail.Run.TaskIdentifier)
			cmd.Printf("status:    %s\n", detail.Run.Status)
			cmd.Printf("queue:     %s\n", detail.Run.QueueName)
			cmd.Printf("attempts:  %d/%d\n", detail.Run.AttemptCount, detail.Run.MaxAttempts)
			cmd.Printf("execution: %s (snapshot %s)\n", detail.Snapshot.ExecutionStatus, detail.Snapshot.ID)
			for _, wp := range detail.Blockers {
				cmd.Printf("blocked by %s (%s, %s)\n", wp.ID, wp.Type, wp.Status)
			}
			return nil
		},
	}
}

func newRunsSnapshotsCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <run-id>",
		Short: "Show a run's execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := state.client().ListSnapshots(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if state.json {
				return printJSON(cmd, snaps)
			}
			for _, snap := range snaps {
				cmd.Printf("%s\t%s\tattempt=%d\t%s\n",
					snap.CreatedAt.Format(time.RFC3339),
					snap.ExecutionStatus, snap.AttemptNumber, snap.Description)
			}
			return nil
		},
	}
}

func newRunsCancelCommand(state *rootState) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := state.client().Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if state.json {
				return printJSON(cmd, run)
			}
			cmd.Printf("%s\t%s\n", run.ID, run.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")
	return cmd
}

func newRunsBlockCommand(state *rootState) *cobra.Command {
	var waitpointID string
	cmd := &cobra.Command{
		Use:   "block <run-id>",
		Short: "Block a run on a waitpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.client().Block(cmd.Context(), args[0], waitpointID); err != nil {
				return err
			}
			cmd.Printf("%s blocked on %s\n", args[0], waitpointID)
			return nil
		},
	}
	cmd.Flags().StringVar(&waitpointID, "waitpoint", "", "Waitpoint id")
	_ = cmd.MarkFlagRequired("waitpoint")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
