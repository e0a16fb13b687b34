// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
	"github.com/tfbridge/tfbridge/pkg/status"
	"github.com/tfbridge/tfbridge/pkg/support/sets"
)

// BatchOutputShapeFunc returns the shape of the part of a batch output that goes to request.
// Parts are taken from the output in the order of the requests.
type BatchOutputShapeFunc func(binding config.BatchOutput, request Request) ([]int64, error)

// ScatterWithInputShape implements the config.BatchScatterWithInputShape batch output kind:
// each request receives the part of the output shaped like its source input.
func ScatterWithInputShape(binding config.BatchOutput, request Request) ([]int64, error) {
	if len(binding.SourceInputs) != 1 {
		return nil, status.Errorf(status.ConfigurationInvalid,
			"batch output %s expects 1 source input, got %d", binding.Kind, len(binding.SourceInputs))
	}
	input, err := request.Input(binding.SourceInputs[0])
	if err != nil {
		return nil, status.WithKind(status.PerRequestDataMalformed, err)
	}
	return input.Shape(), nil
}

// distributeOutputs slices the outputs of the model into the responses of the requests that
// asked for them.
func (c *cycle) distributeOutputs(names []string, outputs []*tensors.Tensor, requested []sets.Set[string]) {
	var pending bool
	for ii, name := range names {
		output := outputs[ii]
		klog.V(2).Infof("instance '%s': output '%s' is %s", c.inst.name, name, output)
		shapeOf, err := c.partShapes(name, output)
		if err != nil {
			c.failAll(err)
			continue
		}
		p := c.distributeOutput(name, output, requested, shapeOf)
		pending = pending || p
	}
	if pending {
		c.inst.copier.Synchronize()
	}
}

// partShapes returns the function that gives the shape of the part of the output for each request.
func (c *cycle) partShapes(name string, output *tensors.Tensor) (func(idx int) ([]int64, error), error) {
	cfg := c.inst.cfg
	if binding := cfg.BatchOutputFor(name); binding != nil {
		fn := c.inst.model.batchOutputKinds[binding.Kind]
		return func(idx int) ([]int64, error) { return fn(*binding, c.requests[idx]) }, nil
	}

	dims := output.Shape().Dimensions
	if cfgOutput := cfg.FindOutput(name); cfgOutput != nil && cfgOutput.Reshape != nil {
		// Responses take the configured dims, with a wildcard resolved from the executed output.
		itemCount := output.Size()
		if cfg.MaxBatchSize > 0 && c.totalBatchSize > 0 {
			itemCount /= c.totalBatchSize
		}
		itemDims, ok := shapes.ResolveWildcard(cfgOutput.Dims, itemCount)
		if !ok || shapes.ElementCount(itemDims) != itemCount {
			return nil, status.Errorf(status.Internal,
				"output '%s' of '%s' has shape %s, which cannot be reshaped to the configured dims %s",
				name, c.inst.model.name, shapes.DimsString(dims), shapes.DimsString(cfgOutput.Dims))
		}
		dims = itemDims
		if cfg.MaxBatchSize > 0 {
			dims = append([]int64{c.totalBatchSize}, dims...)
		}
	}
	if cfg.MaxBatchSize == 0 {
		return func(int) ([]int64, error) { return dims, nil }, nil
	}
	if len(dims) == 0 {
		return nil, status.Errorf(status.Internal, "output '%s' of '%s' has no batch dimension", name, c.inst.model.name)
	}
	return func(idx int) ([]int64, error) {
		partDims := append([]int64(nil), dims...)
		partDims[0] = c.batchSizes[idx]
		return partDims, nil
	}, nil
}

// distributeOutput copies the consecutive parts of output to the responses. Parts of failed
// requests, or of requests that didn't ask for the output, are skipped.
func (c *cycle) distributeOutput(name string, output *tensors.Tensor, requested []sets.Set[string],
	shapeOf func(idx int) ([]int64, error)) (pending bool) {
	dtype := output.DType()
	var elements [][]byte
	var flat tensors.Buffer
	var err error
	if dtype == dtypes.String {
		elements, err = output.Strings()
	} else {
		flat, err = output.Buffer()
	}
	if err != nil {
		c.failAll(status.Wrapf(status.Internal, err, "reading output '%s' of '%s'", name, c.inst.model.name))
		return false
	}
	size := output.Size()

	var offset int64
	for idx := range c.requests {
		dims, err := shapeOf(idx)
		if err != nil {
			c.fail(idx, err)
			continue
		}
		count := max(shapes.ElementCount(dims), 0)
		start := offset
		offset += count
		if c.responses[idx] == nil || !requested[idx].Has(name) {
			continue
		}
		if start+count > size {
			c.fail(idx, status.Errorf(status.Internal,
				"output '%s' of '%s' has %d elements, not enough for request '%s' expecting shape %s",
				name, c.inst.model.name, size, c.requests[idx].ID(), shapes.DimsString(dims)))
			continue
		}

		var src tensors.Buffer
		if dtype == dtypes.String {
			src = tensors.HostBuffer(tensors.EncodeStrings(elements[start : start+count]))
		} else {
			elementSize := int64(dtype.Size())
			src = flat.Slice(start*elementSize, (start+count)*elementSize)
		}
		dst, err := c.responses[idx].NewOutput(name, dtype, dims, int64(src.Len()))
		if err != nil {
			c.fail(idx, status.Wrapf(status.Internal, err, "creating output '%s' for '%s'", name, c.inst.model.name))
			continue
		}
		p, err := c.inst.copier.Copy(dst, src)
		if err != nil {
			c.fail(idx, status.Wrapf(status.Internal, err, "copying output '%s' for '%s'", name, c.inst.model.name))
			continue
		}
		pending = pending || p
	}
	return pending
}
