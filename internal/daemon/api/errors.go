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

package api

import (
	"errors"
	"net/http"

	"github.com/BunsDev/trigger-dev/internal/daemon/httputil"
	"github.com/BunsDev/trigger-dev/internal/engine"
	"github.com/BunsDev/trigger-dev/internal/store"
)

// writeEngineError maps engine and store errors onto HTTP statuses
// with machine-readable codes. Snapshot staleness is a 409 so runners
// know to refetch the latest snapshot rather than retry blindly.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrSnapshotStale):
		httputil.WriteErrorCode(w, http.StatusConflict, "SNAPSHOT_STALE", err.Error())
	case errors.Is(err, engine.ErrInvalidStatus):
		httputil.WriteErrorCode(w, http.StatusConflict, "INVALID_STATUS", err.Error())
	case errors.Is(err, engine.ErrRunFinished):
		httputil.WriteErrorCode(w, http.StatusConflict, "RUN_FINISHED", err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		httputil.WriteErrorCode(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	default:
		httputil.WriteErrorCode(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
