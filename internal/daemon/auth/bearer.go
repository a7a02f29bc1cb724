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

// Package auth guards the daemon API. The public surface uses a shared
// bearer token; runner-scoped snapshot endpoints additionally accept a
// per-run JWT minted at dequeue time.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// ExtractBearerToken extracts the Bearer token from the Authorization
// header. Returns the token value without the "Bearer " prefix.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Case-insensitive prefix per RFC 6750.
	if !strings.HasPrefix(header, "Bearer ") && !strings.HasPrefix(header, "bearer ") {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// VerifyToken compares the provided token with the expected secret in
// constant time.
func VerifyToken(token, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// Middleware authenticates every request against the shared token. An
// empty token disables auth, for local development only.
func Middleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err := ExtractBearerToken(r)
		if err != nil || !VerifyToken(got, token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="engine"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
