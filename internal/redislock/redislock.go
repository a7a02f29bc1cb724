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

// Package redislock provides the per-run distributed lock that
// serialises run-engine state transitions across processes. Locks are
// leased; holders auto-extend while the critical section runs.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// retry budget. Callers treat it as retryable.
var ErrLockTimeout = errors.New("redislock: acquisition timed out")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Options tune lease and retry behaviour.
type Options struct {
	// Lease is how long a holder owns the lock before expiry.
	Lease time.Duration
	// ExtendThreshold is how close to expiry the auto-extender runs.
	ExtendThreshold time.Duration
	// Retries is the number of acquisition attempts.
	Retries int
	// RetryDelay is the base delay between attempts; jittered ±50%.
	RetryDelay time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Lease <= 0 {
		out.Lease = 5 * time.Second
	}
	if out.ExtendThreshold <= 0 {
		out.ExtendThreshold = 500 * time.Millisecond
	}
	if out.Retries <= 0 {
		out.Retries = 10
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 200 * time.Millisecond
	}
	return out
}

// Locker acquires leased locks on Redis keys.
type Locker struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// New creates a Locker. Zero-value options get defaults (5 s lease,
// 500 ms extend threshold, 10 retries at ~200 ms jitter).
func New(rdb redis.UniversalClient, opts Options, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{rdb: rdb, opts: opts.withDefaults(), logger: logger}
}

// Lock is a held lock. Release must be called exactly once.
type Lock struct {
	locker *Locker
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire takes the lock, retrying with jitter. The returned lock
// auto-extends until released.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()

	for attempt := 0; attempt < l.opts.Retries; attempt++ {
		ok, err := l.rdb.SetNX(ctx, key, token, l.opts.Lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			lockCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			lock := &Lock{
				locker: l,
				key:    key,
				token:  token,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			go lock.extendLoop(lockCtx)
			return lock, nil
		}

		delay := l.opts.RetryDelay/2 + time.Duration(rand.Int64N(int64(l.opts.RetryDelay)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
}

// WithLock runs fn while holding the lock on key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// extendLoop refreshes the lease until the lock is released.
func (lk *Lock) extendLoop(ctx context.Context) {
	defer close(lk.done)
	interval := lk.locker.opts.Lease - lk.locker.opts.ExtendThreshold
	if interval <= 0 {
		interval = lk.locker.opts.Lease / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := extendScript.Run(ctx, lk.locker.rdb,
				[]string{lk.key}, lk.token, lk.locker.opts.Lease.Milliseconds()).Int()
			if err != nil && !errors.Is(err, context.Canceled) {
				lk.locker.logger.Warn("failed to extend lock",
					slog.String("key", lk.key), slog.Any("error", err))
				return
			}
			if res == 0 {
				// Lost the lease; stop extending.
				return
			}
		}
	}
}

// Release frees the lock if still owned.
func (lk *Lock) Release(ctx context.Context) error {
	lk.cancel()
	<-lk.done
	_, err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing lock %s: %w", lk.key, err)
	}
	return nil
}
