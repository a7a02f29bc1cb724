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

package auth

import (
	"net/http"
	"strings"
)

const workerRunPathPrefix = "/api/v1/worker/runs/"

// unauthenticatedPaths are reachable without credentials.
var unauthenticatedPaths = map[string]bool{
	"/":               true,
	"/api/v1/health":  true,
	"/api/v1/version": true,
	"/metrics":        true,
}

// APIAuth authenticates the daemon API. The shared token is accepted
// everywhere; runner JWTs are accepted only on worker run paths and
// only for the run they are scoped to. An empty shared token disables
// auth entirely, for local development.
func APIAuth(token, runnerSecret string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticatedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		got, err := ExtractBearerToken(r)
		if err == nil && VerifyToken(got, token) {
			next.ServeHTTP(w, r)
			return
		}

		if err == nil && runnerSecret != "" {
			if runID := runIDFromWorkerPath(r.URL.Path); runID != "" {
				tokenRunID, verr := VerifyRunnerToken(runnerSecret, got)
				if verr == nil && tokenRunID == runID {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="engine"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// runIDFromWorkerPath extracts the run id from
// /api/v1/worker/runs/{runId}/... paths; "" for any other path.
func runIDFromWorkerPath(path string) string {
	if !strings.HasPrefix(path, workerRunPathPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, workerRunPathPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
