// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backendtest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/backend"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
)

// Copier implements backend.Copier. Copies between host buffers are immediate; copies from or
// to device memory are deferred until Synchronize, as asynchronous device copies would be.
type Copier struct {
	mu      sync.Mutex
	pending []copyOp
	copies  int
	syncs   int
}

type copyOp struct {
	dst, src tensors.Buffer
}

var _ backend.Copier = (*Copier)(nil)

// Copy implements backend.Copier.
func (c *Copier) Copy(dst, src tensors.Buffer) (pending bool, err error) {
	if dst.Len() != src.Len() {
		return false, errors.Errorf("copy of %d bytes (%s) to a buffer of %d bytes (%s)",
			src.Len(), src.Placement, dst.Len(), dst.Placement)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copies++
	if dst.IsHost() && src.IsHost() {
		copy(dst.Data, src.Data)
		return false, nil
	}
	c.pending = append(c.pending, copyOp{dst: dst, src: tensors.Buffer{Data: src.Data, Placement: src.Placement}})
	return true, nil
}

// Synchronize implements backend.Copier.
func (c *Copier) Synchronize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs++
	for _, op := range c.pending {
		copy(op.dst.Data, op.src.Data)
	}
	c.pending = nil
}

// Pending returns the number of copies waiting for Synchronize.
func (c *Copier) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Syncs returns the number of calls to Synchronize.
func (c *Copier) Syncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs
}

// Copies returns the number of calls to Copy.
func (c *Copier) Copies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copies
}

// StatsRecorder implements backend.StatsReporter by keeping every report.
type StatsRecorder struct {
	mu       sync.Mutex
	requests []backend.RequestStats
	batches  []backend.BatchStats
}

var _ backend.StatsReporter = (*StatsRecorder)(nil)

// ReportRequest implements backend.StatsReporter.
func (s *StatsRecorder) ReportRequest(stats backend.RequestStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, stats)
}

// ReportBatch implements backend.StatsReporter.
func (s *StatsRecorder) ReportBatch(stats backend.BatchStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, stats)
}

// Requests returns a copy of the request statistics reported.
func (s *StatsRecorder) Requests() []backend.RequestStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.RequestStats(nil), s.requests...)
}

// Batches returns a copy of the batch statistics reported.
func (s *StatsRecorder) Batches() []backend.BatchStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.BatchStats(nil), s.batches...)
}

// Failures returns the number of requests reported as failed.
func (s *StatsRecorder) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if !r.Success {
			n++
		}
	}
	return n
}
