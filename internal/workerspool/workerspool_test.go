// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeout, tick = 5 * time.Second, time.Millisecond

func TestPoolLimitsParallelism(t *testing.T) {
	const maxParallelism, numTasks = 3, 20
	pool := New().SetMaxParallelism(maxParallelism)
	assert.True(t, pool.IsEnabled())
	assert.False(t, pool.IsUnlimited())

	var running, peak, done atomic.Int32
	release := make(chan struct{})
	go func() {
		for range numTasks {
			pool.WaitToStart(func() {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				done.Add(1)
			})
		}
	}()

	// Once the pool is full, no more tasks can start.
	require.Eventually(t, func() bool { return running.Load() == maxParallelism }, timeout, tick)
	assert.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	require.Eventually(t, func() bool { return done.Load() == numTasks }, timeout, tick)
	pool.Wait()
	assert.Equal(t, int32(maxParallelism), peak.Load())
	assert.Equal(t, 0, pool.Running())
}

func TestPoolInlineAndUnlimited(t *testing.T) {
	pool := New().SetMaxParallelism(0)
	assert.False(t, pool.IsEnabled())
	var count int
	pool.WaitToStart(func() { count++ })
	assert.Equal(t, 1, count, "tasks run inline")
	assert.False(t, pool.StartIfAvailable(func() { count++ }))
	assert.Equal(t, 1, count)

	pool = New().SetMaxParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	const numTasks = 50
	var wg sync.WaitGroup
	wg.Add(numTasks)
	var started atomic.Int32
	for range numTasks {
		// All tasks must run at the same time to reach the barrier.
		require.True(t, pool.StartIfAvailable(func() {
			started.Add(1)
			wg.Done()
			wg.Wait()
		}))
	}
	pool.Wait()
	assert.Equal(t, int32(numTasks), started.Load())
}
