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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Daemon.ListenAddr != "127.0.0.1:8030" {
		t.Errorf("ListenAddr = %q", cfg.Daemon.ListenAddr)
	}
	if cfg.Daemon.Store.Type != "sqlite" {
		t.Errorf("Store.Type = %q", cfg.Daemon.Store.Type)
	}
	if cfg.Supervisor.MasterQueue != "sharedQueue" {
		t.Errorf("MasterQueue = %q", cfg.Supervisor.MasterQueue)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := []byte(`
daemon:
  listen_addr: 0.0.0.0:9000
  store:
    type: memory
  engine:
    default_max_attempts: 3
    immediate_retry_threshold: 10s
supervisor:
  capacity: 25
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Daemon.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.Daemon.ListenAddr)
	}
	if cfg.Daemon.Store.Type != "memory" {
		t.Errorf("Store.Type = %q", cfg.Daemon.Store.Type)
	}
	if cfg.Daemon.Engine.DefaultMaxAttempts != 3 {
		t.Errorf("DefaultMaxAttempts = %d", cfg.Daemon.Engine.DefaultMaxAttempts)
	}
	if cfg.Daemon.Engine.ImmediateRetryThreshold != 10*time.Second {
		t.Errorf("ImmediateRetryThreshold = %v", cfg.Daemon.Engine.ImmediateRetryThreshold)
	}
	if cfg.Supervisor.Capacity != 25 {
		t.Errorf("Capacity = %d", cfg.Supervisor.Capacity)
	}
	// Untouched fields keep their defaults.
	if cfg.Daemon.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Daemon.Redis.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("ENGINE_AUTH_TOKEN", "tr_secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Daemon.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Daemon.Redis.Addr)
	}
	if cfg.Daemon.AuthToken != "tr_secret" || cfg.Supervisor.AuthToken != "tr_secret" {
		t.Error("auth token override not applied to both sides")
	}
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	cfg := Default()
	cfg.Daemon.Store.Type = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown store type")
	}
}
