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

// Package daemon assembles the run engine: store, Redis queue,
// delayed-job worker, engine, waitpoint scanner and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/BunsDev/trigger-dev/internal/config"
	"github.com/BunsDev/trigger-dev/internal/daemon/api"
	"github.com/BunsDev/trigger-dev/internal/daemon/auth"
	"github.com/BunsDev/trigger-dev/internal/engine"
	"github.com/BunsDev/trigger-dev/internal/log"
	"github.com/BunsDev/trigger-dev/internal/redislock"
	"github.com/BunsDev/trigger-dev/internal/runqueue"
	"github.com/BunsDev/trigger-dev/internal/store"
	"github.com/BunsDev/trigger-dev/internal/store/memory"
	"github.com/BunsDev/trigger-dev/internal/store/sqlite"
	"github.com/BunsDev/trigger-dev/internal/tracing"
	"github.com/BunsDev/trigger-dev/internal/waitpoint"
	"github.com/BunsDev/trigger-dev/internal/workerq"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// apiRateLimit is the per-client request budget. Generous; it exists
// to contain runaway clients, not to meter normal traffic.
const (
	apiRateRPS   = 100
	apiRateBurst = 200
)

// Daemon is the run engine daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	rdb    *redis.Client
	st     store.Store
	queue  *runqueue.Queue
	worker *workerq.Worker
	engine *engine.Engine
	hub    *api.NotifyHub

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
}

// New creates a daemon from configuration. No connections are opened
// until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "daemon")

	otel.SetTextMapPropagator(tracing.W3CPropagator())

	var st store.Store
	switch cfg.Daemon.Store.Type {
	case "sqlite":
		s, err := sqlite.Open(cfg.Daemon.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		st = s
	default:
		st = memory.New()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Daemon.Redis.Addr,
		Password: cfg.Daemon.Redis.Password,
		DB:       cfg.Daemon.Redis.DB,
	})

	queue := runqueue.New(rdb, runqueue.Options{
		KeyPrefix:                  cfg.Daemon.Redis.KeyPrefix,
		DefaultEnvConcurrencyLimit: cfg.Daemon.Engine.DefaultEnvConcurrency,
	}, logger)

	worker := workerq.New(rdb, workerq.Options{
		KeyPrefix: cfg.Daemon.Redis.KeyPrefix,
	}, logger)

	locker := redislock.New(rdb, redislock.Options{}, logger)

	hub := api.NewNotifyHub(logger)

	eng := engine.New(st, queue, worker, locker, hub, logger, engine.Options{
		DefaultMaxAttempts:      cfg.Daemon.Engine.DefaultMaxAttempts,
		ImmediateRetryThreshold: cfg.Daemon.Engine.ImmediateRetryThreshold,
	})

	return &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		rdb:    rdb,
		st:     st,
		queue:  queue,
		worker: worker,
		engine: eng,
		hub:    hub,
	}, nil
}

// Engine exposes the engine, for tests and embedded use.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Handler builds the daemon's HTTP handler with all routes and
// middleware. Exposed so tests can drive it with httptest.
func (d *Daemon) Handler() http.Handler {
	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	}, d.logger)

	api.NewRunsHandler(d.engine).RegisterRoutes(router.Mux())
	api.NewWorkerHandler(d.engine, d.cfg.Daemon.RunnerJWTSecret).RegisterRoutes(router.Mux())
	api.NewWaitpointsHandler(d.engine.Waitpoints()).RegisterRoutes(router.Mux())
	api.NewQueuesHandler(d.engine).RegisterRoutes(router.Mux())
	d.hub.RegisterRoutes(router.Mux())
	router.SetMetricsHandler(promhttp.Handler())

	var handler http.Handler = router
	handler = auth.APIAuth(d.cfg.Daemon.AuthToken, d.cfg.Daemon.RunnerJWTSecret, handler)
	handler = auth.NewRateLimiter(apiRateRPS, apiRateBurst).Middleware(handler)
	return handler
}

// Start runs the daemon until the context is cancelled. The delayed-job
// worker and the stale-resume scanner run alongside the HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	ln, err := net.Listen("tcp", d.cfg.Daemon.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Daemon.ListenAddr, err)
	}
	d.ln = ln

	d.server = &http.Server{
		Handler:     d.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: long polls and SSE streams outlive any
		// sensible fixed bound.
		IdleTimeout: 120 * time.Second,
	}

	d.logger.Info("runengined starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("store", d.cfg.Daemon.Store.Type))

	workerCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var background sync.WaitGroup

	background.Add(1)
	go func() {
		defer background.Done()
		if err := d.worker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			d.logger.Error("delayed-job worker stopped", log.Error(err))
		}
	}()

	background.Add(1)
	go func() {
		defer background.Done()
		if err := d.engine.Waitpoints().RunScanner(workerCtx, waitpoint.ScannerOptions{}); err != nil && workerCtx.Err() == nil {
			d.logger.Error("stale-resume scanner stopped", log.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
	}

	stopBackground()
	background.Wait()
	return err
}

// Shutdown gracefully stops the HTTP server and closes the store and
// Redis connections.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownGrace)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
		}
	}

	if err := d.st.Close(); err != nil {
		d.logger.Error("store close error", log.Error(err))
	}
	if err := d.rdb.Close(); err != nil {
		d.logger.Error("redis close error", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
