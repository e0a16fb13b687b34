// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
	"github.com/tfbridge/tfbridge/pkg/status"
)

// inputPart is the contribution of one request to a batched input tensor.
type inputPart struct {
	input RequestInput // nil if the request doesn't have the input.

	// elements is the number of elements reserved for the request in the batched tensor.
	elements int64
}

// assembleInputs builds the batched input tensors, fed to the model by in-model name.
//
// Requests with malformed inputs are failed individually. An error is returned only for
// problems that affect the whole cycle, such as failing to allocate a tensor.
func (c *cycle) assembleInputs() ([]*tensors.Tensor, error) {
	first := c.requests[0]
	var batched []*tensors.Tensor
	var pending bool
	for ii := range first.InputCount() {
		name, err := first.InputName(ii)
		if err != nil {
			return nil, status.Wrapf(status.Internal, err, "request '%s' for '%s'", first.ID(), c.inst.model.name)
		}
		input, err := first.Input(name)
		if err != nil {
			return nil, status.Wrapf(status.Internal, err, "request '%s' for '%s'", first.ID(), c.inst.model.name)
		}
		cfgInput := c.inst.cfg.FindInput(name)
		dims, parts := c.inputLayout(name, input, cfgInput)
		t, err := c.newInputTensor(name, shapes.Make(input.DType(), dims...))
		if err != nil {
			return nil, err
		}
		batched = append(batched, t)
		if input.DType() == dtypes.String {
			c.setStringInput(t, name, parts)
			continue
		}
		p, err := c.collectInput(t, name, parts)
		if err != nil {
			return nil, err
		}
		pending = pending || p
	}

	for _, bi := range c.inst.cfg.BatchInputs {
		ts, err := c.batchInput(bi)
		if err != nil {
			return nil, err
		}
		batched = append(batched, ts...)
	}

	if pending {
		c.inst.copier.Synchronize()
	}
	return batched, nil
}

// newInputTensor allocates a batched input tensor with the executable.
func (c *cycle) newInputTensor(name string, shape shapes.Shape) (*tensors.Tensor, error) {
	inModelName := c.inst.handle.Signature().InModelInputName(name)
	t, err := c.inst.handle.Executable().NewTensor(inModelName, shape, c.inst.inputPlacement)
	if err != nil {
		return nil, status.Wrapf(status.ResourceExhausted, err,
			"failed to create input tensor '%s' with shape %s and data type %s for '%s'",
			name, shapes.DimsString(shape.Dimensions), shape.DType.WireName(), c.inst.model.name)
	}
	klog.V(2).Infof("instance '%s': input '%s' batched as %s", c.inst.name, inModelName, shape)
	return t, nil
}

// inputLayout returns the dimensions of the batched tensor for the input and the part of
// each request in it.
//
// Ragged inputs are flattened: the batched tensor has one dimension, the total number of
// elements of all requests. Other inputs take the shape of the first request, with the batch
// dimension replaced by the total batch size.
func (c *cycle) inputLayout(name string, first RequestInput, cfgInput *config.Input) ([]int64, []inputPart) {
	batching := c.inst.cfg.MaxBatchSize > 0
	parts := make([]inputPart, len(c.requests))
	for idx, r := range c.requests {
		input, err := r.Input(name)
		if err != nil {
			c.fail(idx, status.Wrapf(status.PerRequestDataMalformed, err,
				"request '%s' for '%s' has no input '%s'", r.ID(), c.inst.model.name, name))
			continue
		}
		parts[idx].input = input
	}

	if cfgInput != nil && cfgInput.AllowRaggedBatch {
		var total int64
		for idx := range parts {
			if parts[idx].input != nil {
				parts[idx].elements = max(shapes.ElementCount(parts[idx].input.Shape()), 0)
			}
			total += parts[idx].elements
		}
		return []int64{total}, parts
	}

	dims := append([]int64(nil), first.Shape()...)
	if cfgInput != nil && cfgInput.Reshape != nil {
		itemDims, ok := shapes.ResolveWildcard(cfgInput.Reshape.Shape, itemElements(first.Shape(), batching))
		if !ok {
			// Keep the request shape: every request is checked against it below.
			klog.Warningf("instance '%s': input '%s' of request shape %s cannot take reshape %s",
				c.inst.name, name, shapes.DimsString(first.Shape()), shapes.DimsString(cfgInput.Reshape.Shape))
			itemDims = first.Shape()
			if batching && len(itemDims) > 0 {
				itemDims = itemDims[1:]
			}
		}
		dims = append([]int64(nil), itemDims...)
		if batching {
			dims = append([]int64{1}, dims...)
		}
	}
	if batching && len(dims) > 0 {
		dims[0] = c.totalBatchSize
	}
	perItem := shapes.ElementCount(dims)
	if batching && len(dims) > 0 {
		perItem = shapes.ElementCount(dims[1:])
	}
	for idx := range parts {
		parts[idx].elements = perItem
		if batching {
			parts[idx].elements = perItem * c.batchSizes[idx]
		}
		if parts[idx].input == nil {
			continue
		}
		if got := shapes.ElementCount(parts[idx].input.Shape()); got != parts[idx].elements {
			c.fail(idx, status.Errorf(status.PerRequestDataMalformed,
				"input '%s' of request '%s' for '%s' has shape %s, with %d elements, expected %d elements",
				name, c.requests[idx].ID(), c.inst.model.name, shapes.DimsString(parts[idx].input.Shape()),
				got, parts[idx].elements))
			parts[idx].input = nil
		}
	}
	return dims, parts
}

// itemElements is the number of elements of one batch item of a request input with the given shape.
func itemElements(shape []int64, batching bool) int64 {
	count := shapes.ElementCount(shape)
	if batching && len(shape) > 0 && shape[0] > 0 && count > 0 {
		count /= shape[0]
	}
	return count
}

// collectInput copies the request buffers of a fixed-size dtype input into the batched tensor.
// It returns whether some copies are pending until the copier synchronizes.
func (c *cycle) collectInput(t *tensors.Tensor, name string, parts []inputPart) (pending bool, err error) {
	dst, err := t.Buffer()
	if err != nil {
		return false, status.WithKind(status.Internal, err)
	}
	elementSize := int64(t.DType().Size())
	var offset int64
	for idx, part := range parts {
		byteSize := part.elements * elementSize
		region := dst.Slice(offset, offset+byteSize)
		offset += byteSize
		if part.input == nil || c.responses[idx] == nil {
			continue
		}
		p, err := c.copyInput(region, part.input)
		if err != nil {
			c.fail(idx, err)
			continue
		}
		pending = pending || p
	}
	return pending, nil
}

// copyInput copies the buffers of the request input, in sequence, into region.
func (c *cycle) copyInput(region tensors.Buffer, input RequestInput) (pending bool, err error) {
	total := 0
	for ii := range input.BufferCount() {
		total += input.Buffer(ii).Len()
	}
	if total != region.Len() {
		return false, status.Errorf(status.PerRequestDataMalformed,
			"unexpected total byte size %d for inference input '%s', expecting %d",
			total, input.Name(), region.Len())
	}
	var offset int64
	for ii := range input.BufferCount() {
		src := input.Buffer(ii)
		p, err := c.inst.copier.Copy(region.Slice(offset, offset+int64(src.Len())), src)
		if err != nil {
			return pending, status.Wrapf(status.Internal, err, "copying inference input '%s'", input.Name())
		}
		pending = pending || p
		offset += int64(src.Len())
	}
	return pending, nil
}

// setStringInput parses the length-prefixed string elements of each request into the batched
// tensor. A request with malformed content fails, and the rest of its part is left with
// empty strings.
func (c *cycle) setStringInput(t *tensors.Tensor, name string, parts []inputPart) {
	var offset int64
	for idx, part := range parts {
		start := offset
		offset += part.elements
		if part.input == nil || c.responses[idx] == nil {
			continue
		}
		content, err := hostContent(part.input, c.inst.copier)
		if err != nil {
			c.fail(idx, status.WithKind(status.Internal, err))
			continue
		}
		elements, err := tensors.DecodeStrings(name, content, part.elements)
		for ii, element := range elements {
			if setErr := t.SetString(start+int64(ii), element); setErr != nil {
				err = setErr
				break
			}
		}
		if err != nil {
			for ii := int64(len(elements)); ii < part.elements; ii++ {
				_ = t.SetString(start+ii, nil)
			}
			c.fail(idx, status.WithKind(status.PerRequestDataMalformed, err))
		}
	}
}
