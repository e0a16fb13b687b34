// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines, used to run the execution cycles
// of several model instances in parallel.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/tfbridge/tfbridge/pkg/support/xsync"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running at once: 0 runs tasks inline, < 0 is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int

	tasks *xsync.DynamicWaitGroup
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{
		maxParallelism: runtime.NumCPU(),
		tasks:          xsync.NewDynamicWaitGroup(),
	}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running in parallel.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the limit of tasks running in parallel. If 0 tasks are run inline,
// if negative there is no limit.
//
// It must be called before any task is started.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// lockedIsFull returns whether all workers are in use. It must be called with w.mu locked.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and runs task in it.
//
// If parallelism is disabled it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		w.tasks.Add(1)
		defer w.tasks.Done()
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// StartIfAvailable runs the task in a separate goroutine if a worker is available.
// It returns whether the task was started.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.maxParallelism == 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// lockedRunTaskInGoroutine keeps tabs on w.numRunning. It must be called with w.mu locked.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	w.tasks.Add(1)
	go func() {
		defer w.tasks.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Running returns the number of tasks running.
func (w *Pool) Running() int {
	return w.tasks.Count()
}

// Wait blocks until all the tasks started finish, including the ones started while waiting.
func (w *Pool) Wait() {
	w.tasks.Wait()
}
