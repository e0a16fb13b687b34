// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tfbridge/tfbridge/pkg/engine"
)

// Metrics exported by the backend to prometheus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	executions      *prometheus.CounterVec
	batchSize       *prometheus.HistogramVec
	computeDuration *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	cacheShares     *prometheus.GaugeVec
}

// NewMetrics creates the backend metrics and registers them with reg.
// If reg is nil they are registered with the prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tfbridge_executions_total",
			Help: "Number of execution cycles run by the engine",
		}, []string{"model"}),
		batchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tfbridge_batch_size",
			Help:    "Total batch size of the execution cycles",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"model"}),
		computeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tfbridge_compute_duration_seconds",
			Help:    "Time spent in the execution engine per cycle",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"model"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tfbridge_requests_total",
			Help: "Number of requests processed, by outcome",
		}, []string{"model", "outcome"}),
		cacheShares: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tfbridge_cache_shares",
			Help: "Number of instances sharing the executable cached for a device",
		}, []string{"model", "device"}),
	}
}

func (m *Metrics) observeBatch(model string, batchSize int, compute time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(model).Inc()
	m.batchSize.WithLabelValues(model).Observe(float64(batchSize))
	m.computeDuration.WithLabelValues(model).Observe(compute.Seconds())
}

func (m *Metrics) observeRequest(model string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.requests.WithLabelValues(model, outcome).Inc()
}

func (m *Metrics) setShares(model string, device engine.DeviceNum, shares int) {
	if m == nil {
		return
	}
	m.cacheShares.WithLabelValues(model, device.String()).Set(float64(shares))
}
