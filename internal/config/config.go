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

// Package config loads configuration for the run engine daemon and the
// supervisor from a YAML file plus environment overrides. Defaults are
// suitable for a single-node development setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// DaemonConfig configures the run engine daemon.
type DaemonConfig struct {
	// ListenAddr is the HTTP listen address. Default 127.0.0.1:8030.
	ListenAddr string `yaml:"listen_addr"`

	// AuthToken guards the public API. Empty disables auth (dev only).
	AuthToken string `yaml:"auth_token"`

	// RunnerJWTSecret signs the per-run tokens handed to runners.
	RunnerJWTSecret string `yaml:"runner_jwt_secret"`

	Redis  RedisConfig  `yaml:"redis"`
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`

	// ShutdownGrace bounds graceful shutdown. Default 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RedisConfig configures the Redis connection shared by the queue, the
// delayed-job worker and the run locks.
type RedisConfig struct {
	// Addr is the host:port. Default 127.0.0.1:6379.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces all engine keys. Default "engine".
	KeyPrefix string `yaml:"key_prefix"`
}

// StoreConfig selects the relational backend.
type StoreConfig struct {
	// Type is "memory" or "sqlite". Default sqlite.
	Type string `yaml:"type"`
	// Path is the sqlite database file. Default engine.db.
	Path string `yaml:"path"`
}

// EngineConfig tunes run execution.
type EngineConfig struct {
	// DefaultMaxAttempts applies when a trigger does not set one.
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
	// DefaultEnvConcurrency caps concurrent runs per environment when
	// no explicit limit is set.
	DefaultEnvConcurrency int `yaml:"default_env_concurrency"`
	// ImmediateRetryThreshold separates in-place retries from requeued
	// ones.
	ImmediateRetryThreshold time.Duration `yaml:"immediate_retry_threshold"`
}

// SupervisorConfig configures a supervisor instance.
type SupervisorConfig struct {
	// DaemonURL is the engine daemon base URL.
	DaemonURL string `yaml:"daemon_url"`
	// AuthToken authenticates against the daemon.
	AuthToken string `yaml:"auth_token"`
	// MasterQueue is the master queue to consume. Default sharedQueue.
	MasterQueue string `yaml:"master_queue"`
	// Capacity is the number of concurrent runs. Default 10.
	Capacity int `yaml:"capacity"`
	// HeartbeatInterval is how often executing runs heartbeat.
	// Default 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SnapshotPollInterval is the fallback poll when notifications are
	// missed. Default 5s.
	SnapshotPollInterval time.Duration `yaml:"snapshot_poll_interval"`
	// WarmStartTimeout is how long an idle runner waits for another
	// run before exiting. Default 30s.
	WarmStartTimeout time.Duration `yaml:"warm_start_timeout"`
}

// Default returns a configuration with development defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ListenAddr: "127.0.0.1:8030",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "engine",
			},
			Store: StoreConfig{
				Type: "sqlite",
				Path: "engine.db",
			},
			Engine: EngineConfig{
				DefaultMaxAttempts:      1,
				DefaultEnvConcurrency:   100,
				ImmediateRetryThreshold: 5 * time.Second,
			},
			ShutdownGrace: 10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			DaemonURL:            "http://127.0.0.1:8030",
			MasterQueue:          "sharedQueue",
			Capacity:             10,
			HeartbeatInterval:    30 * time.Second,
			SnapshotPollInterval: 5 * time.Second,
			WarmStartTimeout:     30 * time.Second,
		},
	}
}

// Load reads the config file at path, layered over defaults. An empty
// path returns defaults. Environment variables ENGINE_REDIS_ADDR,
// ENGINE_AUTH_TOKEN and ENGINE_RUNNER_JWT_SECRET override the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("ENGINE_REDIS_ADDR"); v != "" {
		cfg.Daemon.Redis.Addr = v
	}
	if v := os.Getenv("ENGINE_AUTH_TOKEN"); v != "" {
		cfg.Daemon.AuthToken = v
		cfg.Supervisor.AuthToken = v
	}
	if v := os.Getenv("ENGINE_RUNNER_JWT_SECRET"); v != "" {
		cfg.Daemon.RunnerJWTSecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Daemon.Store.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown store type %q", c.Daemon.Store.Type)
	}
	if c.Daemon.Store.Type == "sqlite" && c.Daemon.Store.Path == "" {
		return fmt.Errorf("config: sqlite store requires a path")
	}
	if c.Daemon.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}
	if c.Supervisor.Capacity < 0 {
		return fmt.Errorf("config: supervisor capacity must be >= 0")
	}
	return nil
}
