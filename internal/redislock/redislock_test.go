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

package redislock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, opts Options) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, opts, nil), mr
}

func TestAcquireRelease(t *testing.T) {
	l, mr := newTestLocker(t, Options{})
	ctx := context.Background()

	lock, err := l.Acquire(ctx, "lock:run:r1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:run:r1"))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("lock:run:r1"))
}

func TestAcquireContended(t *testing.T) {
	l, _ := newTestLocker(t, Options{Retries: 3, RetryDelay: 10 * time.Millisecond})
	ctx := context.Background()

	first, err := l.Acquire(ctx, "lock:run:r1")
	require.NoError(t, err)
	defer first.Release(ctx)

	_, err = l.Acquire(ctx, "lock:run:r1")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestReleaseOnlyOwn(t *testing.T) {
	l, mr := newTestLocker(t, Options{Retries: 1, RetryDelay: time.Millisecond})
	ctx := context.Background()

	lock, err := l.Acquire(ctx, "lock:run:r1")
	require.NoError(t, err)

	// Someone else took over after our lease expired.
	mr.Set("lock:run:r1", "other-token")

	require.NoError(t, lock.Release(ctx))
	assert.True(t, mr.Exists("lock:run:r1"), "release must not delete another holder's lock")
}

func TestWithLockSerialises(t *testing.T) {
	l, _ := newTestLocker(t, Options{Retries: 100, RetryDelay: 5 * time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "lock:run:shared", func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "critical sections must not overlap")
}
