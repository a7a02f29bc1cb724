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

// Package cli implements the runctl command tree: an operator CLI for
// triggering, inspecting and cancelling runs against a run engine
// daemon.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// rootState carries the global flags shared by every subcommand.
type rootState struct {
	url   string
	token string
	json  bool

	version   string
	commit    string
	buildDate string
}

func (s *rootState) client() *Client {
	return NewClient(s.url, s.token)
}

// NewRootCommand creates the root Cobra command for runctl.
func NewRootCommand(version, commit, buildDate string) *cobra.Command {
	state := &rootState{version: version, commit: commit, buildDate: buildDate}

	cmd := &cobra.Command{
		Use:   "runctl",
		Short: "runctl - run engine operator CLI",
		Long: `runctl talks to a run engine daemon: trigger task runs, inspect
their snapshots, cancel them, manage queue concurrency limits and
follow run state changes live.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("ENGINE_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:8030"
	}
	cmd.PersistentFlags().StringVar(&state.url, "url", defaultURL, "Daemon base URL")
	cmd.PersistentFlags().StringVar(&state.token, "token", os.Getenv("ENGINE_AUTH_TOKEN"), "Bearer token")
	cmd.PersistentFlags().BoolVar(&state.json, "json", false, "Output in JSON format")

	cmd.AddCommand(
		newTriggerCommand(state),
		newRunsCommand(state),
		newQueuesCommand(state),
		newWaitpointsCommand(state),
		newWatchCommand(state),
		newVersionCommand(state),
	)

	return cmd
}
