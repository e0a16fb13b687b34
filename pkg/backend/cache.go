// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/support/sets"
)

// Handle is a reference-counted reference to an executable owned by a HandleCache, along with
// its validated signature.
//
// Each successful HandleCache.Acquire must be matched by one HandleCache.Release.
type Handle struct {
	executable engine.Executable
	signature  *Signature
	device     engine.DeviceNum

	// shares is protected by the cache mutex.
	shares int
}

// Executable returns the loaded executable.
func (h *Handle) Executable() engine.Executable { return h.executable }

// Signature returns the validated signature of the executable.
func (h *Handle) Signature() *Signature { return h.signature }

// Device where the executable is loaded.
func (h *Handle) Device() engine.DeviceNum { return h.device }

// LoadFunc loads and validates the artifact at path for device.
type LoadFunc func(device engine.DeviceNum, path string) (engine.Executable, *Signature, error)

// HandleCache holds the executables loaded for a model, by device. One executable can be
// shared by up to maxShare acquirers.
//
// It is safe for concurrent use.
type HandleCache struct {
	modelName string
	load      LoadFunc
	metrics   *Metrics

	mu        sync.Mutex
	byDevice  map[engine.DeviceNum]*Handle
	live      sets.Set[*Handle]
	finalized bool
}

// NewHandleCache creates an empty cache that loads executables with load.
// metrics may be nil.
func NewHandleCache(modelName string, load LoadFunc, metrics *Metrics) *HandleCache {
	return &HandleCache{
		modelName: modelName,
		load:      load,
		metrics:   metrics,
		byDevice:  make(map[engine.DeviceNum]*Handle),
		live:      sets.Make[*Handle](),
	}
}

// Acquire returns a handle to an executable of the artifact at path for device.
//
// If the executable cached for device has fewer than maxShare acquirers, it is shared.
// Otherwise, a new executable is loaded and becomes the cached one for device.
// Loading errors are returned as is and are not retried.
//
// Loading happens with the cache locked, so concurrent acquirers of the same device don't
// load the model twice.
func (c *HandleCache) Acquire(device engine.DeviceNum, path string, maxShare int) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return nil, errors.Errorf("model '%s' handle cache already finalized", c.modelName)
	}
	if h, found := c.byDevice[device]; found && h.shares < maxShare {
		h.shares++
		c.metrics.setShares(c.modelName, device, h.shares)
		klog.V(1).Infof("model '%s': sharing executable on %s (%d shares)", c.modelName, device, h.shares)
		return h, nil
	}

	executable, signature, err := c.load(device, path)
	if err != nil {
		return nil, err
	}
	h := &Handle{executable: executable, signature: signature, device: device, shares: 1}
	c.byDevice[device] = h
	c.live.Insert(h)
	c.metrics.setShares(c.modelName, device, h.shares)
	klog.V(1).Infof("model '%s': loaded executable from %s on %s", c.modelName, path, device)
	return h, nil
}

// Release gives back a handle obtained with Acquire. When its last acquirer releases it, the
// executable is finalized and, if it is the one cached for its device, removed from the cache.
func (c *HandleCache) Release(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live.Has(h) {
		return errors.Errorf("model '%s': releasing a handle on %s not owned by the cache", c.modelName, h.device)
	}
	h.shares--
	if c.byDevice[h.device] == h {
		c.metrics.setShares(c.modelName, h.device, h.shares)
	}
	if h.shares > 0 {
		return nil
	}
	delete(c.live, h)
	if c.byDevice[h.device] == h {
		delete(c.byDevice, h.device)
	}
	h.executable.Finalize()
	klog.V(1).Infof("model '%s': finalized executable on %s", c.modelName, h.device)
	return nil
}

// Shares returns the number of acquirers of the executable cached for device, 0 if none.
func (c *HandleCache) Shares(device engine.DeviceNum) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, found := c.byDevice[device]; found {
		return h.shares
	}
	return 0
}

// Len returns the number of live executables, cached or not.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Finalize finalizes every live executable, regardless of its acquirers. The cache cannot be
// used afterward.
func (c *HandleCache) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.finalized = true
	for h := range c.live {
		h.executable.Finalize()
		c.metrics.setShares(c.modelName, h.device, 0)
	}
	c.live = sets.Make[*Handle]()
	c.byDevice = make(map[engine.DeviceNum]*Handle)
}
