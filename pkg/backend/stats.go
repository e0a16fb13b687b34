// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import "time"

// Timestamps of one execution cycle.
type Timestamps struct {
	ExecStart    time.Time
	ComputeStart time.Time
	ComputeEnd   time.Time
	ExecEnd      time.Time
}

// ComputeDuration is the time spent in the execution engine.
func (ts Timestamps) ComputeDuration() time.Duration { return ts.ComputeEnd.Sub(ts.ComputeStart) }

// RequestStats is reported once per request at the end of a cycle.
type RequestStats struct {
	RequestID string
	Success   bool
	Timestamps
}

// BatchStats is reported once per executed cycle.
type BatchStats struct {
	BatchSize int
	Timestamps
}

// StatsReporter receives the statistics of the execution cycles from the instances.
type StatsReporter interface {
	ReportRequest(stats RequestStats)
	ReportBatch(stats BatchStats)
}

type noStats struct{}

func (noStats) ReportRequest(RequestStats) {}
func (noStats) ReportBatch(BatchStats)     {}
