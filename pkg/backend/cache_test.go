// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tfbridge/tfbridge/pkg/engine"
)

// countingLoader loads fakeExecutables and keeps them.
type countingLoader struct {
	mu     sync.Mutex
	loaded []*fakeExecutable
	err    error
}

func (l *countingLoader) load(device engine.DeviceNum, path string) (engine.Executable, *Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, nil, l.err
	}
	exec := &fakeExecutable{format: engine.SavedModel}
	l.loaded = append(l.loaded, exec)
	return exec, &Signature{}, nil
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loaded)
}

func TestHandleCacheSharing(t *testing.T) {
	loader := &countingLoader{}
	metrics := NewMetrics(prometheus.NewRegistry())
	cache := NewHandleCache("m", loader.load, metrics)

	h1, err := cache.Acquire(0, "/models/m/1/model.savedmodel", 2)
	require.NoError(t, err)
	h2, err := cache.Acquire(0, "/models/m/1/model.savedmodel", 2)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 2, cache.Shares(0))
	assert.Equal(t, 1, loader.count())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.cacheShares.WithLabelValues("m", "GPU:0")))

	// Third acquirer exceeds the share count: a new executable replaces the cached one.
	h3, err := cache.Acquire(0, "/models/m/1/model.savedmodel", 2)
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
	assert.Equal(t, 2, loader.count())
	assert.Equal(t, 1, cache.Shares(0))
	assert.Equal(t, 2, cache.Len())

	// Other devices have their own executables.
	hCPU, err := cache.Acquire(engine.NoGPU, "/models/m/1/model.savedmodel", 2)
	require.NoError(t, err)
	assert.Equal(t, engine.NoGPU, hCPU.Device())
	assert.Equal(t, 3, loader.count())

	// The replaced executable lives until its last acquirer releases it.
	require.NoError(t, cache.Release(h1))
	assert.Equal(t, 0, loader.loaded[0].finalized)
	require.NoError(t, cache.Release(h2))
	assert.Equal(t, 1, loader.loaded[0].finalized)
	assert.Equal(t, 1, cache.Shares(0), "the replacement is still cached")

	require.NoError(t, cache.Release(h3))
	assert.Equal(t, 1, loader.loaded[1].finalized)
	assert.Equal(t, 0, cache.Shares(0))
	require.Error(t, cache.Release(h3), "released twice")

	// Releasing all handles lets a new acquirer load again.
	_, err = cache.Acquire(0, "/models/m/1/model.savedmodel", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, loader.count())

	cache.Finalize()
	assert.Equal(t, 1, loader.loaded[2].finalized)
	assert.Equal(t, 1, loader.loaded[3].finalized)
	assert.Equal(t, 0, cache.Len())
	_, err = cache.Acquire(0, "/models/m/1/model.savedmodel", 2)
	require.Error(t, err)
}

func TestHandleCacheLoadErrors(t *testing.T) {
	loader := &countingLoader{err: errors.New("no such file")}
	cache := NewHandleCache("m", loader.load, nil)
	_, err := cache.Acquire(engine.NoGPU, "/nowhere", 1)
	require.EqualError(t, err, "no such file")
	assert.Equal(t, 0, cache.Len())

	// Not cached: the next Acquire tries again.
	loader.err = nil
	h, err := cache.Acquire(engine.NoGPU, "/nowhere", 1)
	require.NoError(t, err)
	require.NoError(t, cache.Release(h))
	assert.Equal(t, 0, cache.Len())
}

func TestHandleCacheConcurrentAcquire(t *testing.T) {
	const numAcquirers, maxShare = 12, 4
	loader := &countingLoader{}
	cache := NewHandleCache("m", loader.load, nil)

	handles := make([]*Handle, numAcquirers)
	var g errgroup.Group
	for ii := range numAcquirers {
		g.Go(func() error {
			h, err := cache.Acquire(1, "/models/m/1/model.savedmodel", maxShare)
			handles[ii] = h
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, numAcquirers/maxShare, loader.count())
	assert.Equal(t, numAcquirers/maxShare, cache.Len())

	for _, h := range handles {
		g.Go(func() error { return cache.Release(h) })
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, cache.Len())
	for _, exec := range loader.loaded {
		assert.Equal(t, 1, exec.finalized)
	}
}
