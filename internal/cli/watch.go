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
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BunsDev/trigger-dev/internal/daemon/api"
)

func newWatchCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [run-id...]",
		Short: "Follow run state changes live",
		Long: `Watch subscribes to the daemon's event stream and prints a line for
every run state change. With run ids it follows only those runs;
without arguments it follows everything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := state.url + "/api/v1/events"
			if len(args) > 0 {
				endpoint += "?runs=" + url.QueryEscape(strings.Join(args, ","))
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "text/event-stream")
			if state.token != "" {
				req.Header.Set("Authorization", "Bearer "+state.token)
			}

			// No client timeout: the stream is open-ended.
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				data, ok := strings.CutPrefix(line, "data: ")
				if !ok {
					continue
				}
				var note api.RunNotification
				if err := json.Unmarshal([]byte(data), &note); err != nil || note.RunID == "" {
					continue
				}
				cmd.Printf("%s\t%s\t%s\n", time.Now().Format(time.RFC3339), note.RunID, note.SnapshotID)
			}
			if cmd.Context().Err() != nil {
				return nil
			}
			return scanner.Err()
		},
	}
	return cmd
}
