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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RunnerClaims scope a runner token to a single run.
type RunnerClaims struct {
	RunID string `json:"runId"`
	jwt.RegisteredClaims
}

// MintRunnerToken signs a JWT that lets a runner act on one run. The
// TTL should comfortably exceed the longest expected attempt.
func MintRunnerToken(secret, runID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := RunnerClaims{
		RunID: runID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyRunnerToken validates a runner token and returns the run id it
// is scoped to.
func VerifyRunnerToken(secret, tokenString string) (string, error) {
	claims := &RunnerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.RunID == "" {
		return "", fmt.Errorf("invalid runner token")
	}
	return claims.RunID, nil
}
