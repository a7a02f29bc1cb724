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

// supervisord claims runs from a run engine daemon and executes each
// attempt as a child process:
//
//	supervisord -daemon-url http://127.0.0.1:8030 -- node worker.js
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BunsDev/trigger-dev/internal/config"
	"github.com/BunsDev/trigger-dev/internal/log"
	"github.com/BunsDev/trigger-dev/internal/supervisor"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		daemonURL   = flag.String("daemon-url", "", "Run engine daemon base URL")
		authToken   = flag.String("token", "", "Daemon auth token")
		masterQueue = flag.String("queue", "", "Master queue to consume")
		capacity    = flag.Int("capacity", 0, "Concurrent run capacity")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("supervisord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	sup := cfg.Supervisor
	if *daemonURL != "" {
		sup.DaemonURL = *daemonURL
	}
	if *authToken != "" {
		sup.AuthToken = *authToken
	}
	if *masterQueue != "" {
		sup.MasterQueue = *masterQueue
	}
	if *capacity > 0 {
		sup.Capacity = *capacity
	}

	command := flag.Args()
	if len(command) == 0 {
		fmt.Fprintln(os.Stderr, "usage: supervisord [flags] -- command [args...]")
		os.Exit(2)
	}

	client := supervisor.NewClient(sup.DaemonURL, sup.AuthToken)
	executor := &supervisor.ProcessExecutor{Command: command}
	s := supervisor.New(client, executor, logger, supervisor.Options{
		MasterQueue:          sup.MasterQueue,
		Capacity:             sup.Capacity,
		HeartbeatInterval:    sup.HeartbeatInterval,
		SnapshotPollInterval: sup.SnapshotPollInterval,
		WarmStartTimeout:     sup.WarmStartTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, draining sessions...\n", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("Supervisor error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
