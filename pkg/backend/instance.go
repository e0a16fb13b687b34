// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/status"
	"github.com/tfbridge/tfbridge/pkg/support/sets"
)

// Instance of a model, bound to one device. It runs execution cycles with ProcessRequests.
//
// ProcessRequests must not be called concurrently on the same Instance; different instances
// can run cycles concurrently, even when they share an executable.
type Instance struct {
	model          *Model
	cfg            *config.ModelConfig
	name           string
	handle         *Handle
	inputPlacement tensors.Placement
	copier         Copier
	stats          StatsReporter
	finalized      bool
}

func newInstance(m *Model, handle *Handle, opts InstanceOptions) *Instance {
	inst := &Instance{
		model:          m,
		cfg:            m.cfg,
		name:           opts.Name,
		handle:         handle,
		inputPlacement: tensors.Host,
		copier:         opts.Copier,
		stats:          opts.Stats,
	}
	if inst.name == "" {
		inst.name = m.name + "_" + uuid.NewString()[:8]
	}
	if inst.copier == nil {
		inst.copier = HostCopier{}
	}
	if inst.stats == nil {
		inst.stats = noStats{}
	}
	if input := m.loadOptions(handle.Device()).InputDevice; input >= 0 {
		inst.inputPlacement = tensors.OnDevice(int(input))
	}
	return inst
}

// Name of the instance.
func (inst *Instance) Name() string { return inst.name }

// Device where the instance runs.
func (inst *Instance) Device() engine.DeviceNum { return inst.handle.Device() }

// Handle returns the handle of the executable used by the instance.
func (inst *Instance) Handle() *Handle { return inst.handle }

// Finalize releases the executable of the instance. It can be called more than once.
func (inst *Instance) Finalize() {
	if inst.finalized {
		return
	}
	inst.finalized = true
	if err := inst.model.cache.Release(inst.handle); err != nil {
		klog.Warningf("instance '%s': %v", inst.name, err)
	}
}

// cycle holds the state of one execution cycle.
type cycle struct {
	inst      *Instance
	requests  []Request
	responses []Response

	// batchSizes holds the contribution of each request to the total batch size.
	batchSizes     []int64
	totalBatchSize int64
	ts             Timestamps
}

// sendResponse sends the response, logging delivery failures.
func (inst *Instance) sendResponse(resp Response, err error) {
	if sendErr := resp.Send(err); sendErr != nil {
		klog.Errorf("instance '%s': failed to send response: %+v", inst.name, sendErr)
	}
}

// fail sends err as the response of request idx, and marks it as failed: it is skipped by
// the rest of the cycle.
func (c *cycle) fail(idx int, err error) {
	if c.responses[idx] == nil {
		return
	}
	klog.V(2).Infof("instance '%s': request '%s' failed: %v", c.inst.name, c.requests[idx].ID(), err)
	c.inst.sendResponse(c.responses[idx], err)
	c.responses[idx] = nil
}

// failAll sends err to every live response.
func (c *cycle) failAll(err error) {
	for idx := range c.responses {
		c.fail(idx, err)
	}
}

// failRequests creates a response for each request to send err, before responses are created.
func (c *cycle) failRequests(err error) {
	for _, r := range c.requests {
		if r == nil {
			continue
		}
		resp, respErr := r.NewResponse()
		if respErr != nil {
			klog.Errorf("instance '%s': failed to create response for request '%s': %v", c.inst.name, r.ID(), respErr)
			continue
		}
		c.inst.sendResponse(resp, err)
	}
	c.release()
}

// release reports the statistics of each request and releases it.
func (c *cycle) release() {
	model := c.inst.model
	for idx, r := range c.requests {
		if r == nil {
			continue
		}
		success := c.responses != nil && c.responses[idx] != nil
		c.inst.stats.ReportRequest(RequestStats{RequestID: r.ID(), Success: success, Timestamps: c.ts})
		model.metrics.observeRequest(model.name, success)
		r.Release()
	}
}

// ProcessRequests runs one execution cycle: the inputs of the requests are assembled in
// batched tensors, the model is executed once, and its outputs are distributed to the
// responses of the requests.
//
// Errors that affect the whole cycle are sent to every request. Errors specific to one
// request only fail that request. Every request gets exactly one response and is released.
func (inst *Instance) ProcessRequests(requests []Request) {
	if len(requests) == 0 {
		return
	}
	c := &cycle{inst: inst, requests: requests, ts: Timestamps{ExecStart: time.Now()}}
	if err := c.computeBatchSize(); err != nil {
		c.failRequests(err)
		return
	}
	klog.V(2).Infof("instance '%s': cycle of %d requests, total batch size %d",
		inst.name, len(requests), c.totalBatchSize)

	c.responses = make([]Response, len(requests))
	for idx, r := range requests {
		resp, err := r.NewResponse()
		if err != nil {
			klog.Errorf("instance '%s': failed to create response for request '%s': %v", inst.name, r.ID(), err)
			continue
		}
		c.responses[idx] = resp
	}
	if c.totalBatchSize == 0 {
		c.finish()
		return
	}

	inputs, err := c.assembleInputs()
	if err != nil {
		c.failAll(err)
		c.release()
		return
	}

	outputNames, requested := c.requestedOutputs()
	sig := inst.handle.Signature()
	inModelNames := make([]string, len(outputNames))
	for ii, name := range outputNames {
		inModelNames[ii] = sig.InModelOutputName(name)
	}

	c.ts.ComputeStart = time.Now()
	outputs, err := inst.handle.Executable().Execute(inputs, inModelNames)
	c.ts.ComputeEnd = time.Now()
	if err == nil && len(outputs) != len(outputNames) {
		err = status.Errorf(status.Internal, "model '%s' returned %d outputs, %d were requested",
			inst.model.name, len(outputs), len(outputNames))
	}
	if err != nil {
		c.failAll(status.WithKind(status.EngineExecutionFailed, err))
		c.release()
		return
	}

	c.distributeOutputs(outputNames, outputs, requested)
	c.finish()
}

// computeBatchSize checks the requests and sums their batch sizes.
func (c *cycle) computeBatchSize() error {
	model := c.inst.model
	maxBatchSize := int64(c.inst.cfg.MaxBatchSize)
	c.batchSizes = make([]int64, len(c.requests))
	for idx, r := range c.requests {
		if r == nil {
			return status.Errorf(status.Internal, "null request given to TensorFlow backend for '%s'", model.name)
		}
		if maxBatchSize <= 0 {
			c.batchSizes[idx] = 1
			c.totalBatchSize++
			continue
		}
		name, err := r.InputName(0)
		if err != nil {
			return status.Wrapf(status.Internal, err, "request '%s' for '%s'", r.ID(), model.name)
		}
		input, err := r.Input(name)
		if err != nil {
			return status.Wrapf(status.Internal, err, "request '%s' for '%s'", r.ID(), model.name)
		}
		shape := input.Shape()
		if len(shape) == 0 {
			return status.Errorf(status.Internal, "input '%s' of request '%s' for '%s' has no batch dimension",
				name, r.ID(), model.name)
		}
		c.batchSizes[idx] = shape[0]
		c.totalBatchSize += shape[0]
	}
	if c.totalBatchSize != 1 && c.totalBatchSize > maxBatchSize {
		return status.Errorf(status.Internal, "batch size %d for '%s', max allowed is %d",
			c.totalBatchSize, model.name, maxBatchSize)
	}
	return nil
}

// requestedOutputs returns the sorted union of the outputs requested by the live requests,
// and the set requested by each request.
func (c *cycle) requestedOutputs() ([]string, []sets.Set[string]) {
	required := sets.Make[string]()
	requested := make([]sets.Set[string], len(c.requests))
	for idx, r := range c.requests {
		requested[idx] = sets.MakeWith(r.RequestedOutputNames()...)
		if c.responses[idx] != nil {
			required = required.Union(requested[idx])
		}
	}
	return sets.Sorted(required), requested
}

// finish sends the responses still alive and reports the statistics of the cycle.
func (c *cycle) finish() {
	c.ts.ExecEnd = time.Now()
	for _, resp := range c.responses {
		if resp != nil {
			c.inst.sendResponse(resp, nil)
		}
	}
	c.release()
	model := c.inst.model
	c.inst.stats.ReportBatch(BatchStats{BatchSize: int(c.totalBatchSize), Timestamps: c.ts})
	model.metrics.observeBatch(model.name, int(c.totalBatchSize), c.ts.ComputeDuration())
}
