// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
	"github.com/tfbridge/tfbridge/pkg/status"
)

// checkBatchInput validates a batch input declaration at load time.
func checkBatchInput(cfg *config.ModelConfig, bi config.BatchInput) error {
	switch bi.Kind {
	case config.BatchElementCount, config.BatchAccumulatedElementCount,
		config.BatchAccumulatedElementCountWithZero, config.BatchMaxElementCountAsShape,
		config.BatchItemShape, config.BatchItemShapeFlatten:
	default:
		return status.Errorf(status.ConfigurationInvalid, "unsupported batch input kind '%s' for model '%s'", bi.Kind, cfg.Name)
	}
	if len(bi.TargetNames) == 0 {
		return status.Errorf(status.ConfigurationInvalid, "batch input '%s' for model '%s' has no target", bi.Kind, cfg.Name)
	}
	if len(bi.SourceInputs) != 1 {
		return status.Errorf(status.ConfigurationInvalid, "batch input '%s' for model '%s' expects 1 source input, got %d",
			bi.Kind, cfg.Name, len(bi.SourceInputs))
	}
	if cfg.FindInput(bi.SourceInputs[0]) == nil {
		return status.Errorf(status.ConfigurationInvalid, "batch input '%s' for model '%s' has unknown source input '%s'",
			bi.Kind, cfg.Name, bi.SourceInputs[0])
	}
	return nil
}

// batchInput computes the tensors of a batch input, one per target name, from the shapes of
// the source input of each request. Requests without the source input contribute no elements.
func (c *cycle) batchInput(bi config.BatchInput) ([]*tensors.Tensor, error) {
	source := bi.SourceInputs[0]
	batching := c.inst.cfg.MaxBatchSize > 0
	sourceShapes := make([][]int64, len(c.requests))
	counts := make([]float64, len(c.requests))
	for idx, r := range c.requests {
		input, err := r.Input(source)
		if err != nil {
			c.fail(idx, status.Wrapf(status.PerRequestDataMalformed, err,
				"request '%s' for '%s' has no input '%s' required by batch input '%s'",
				r.ID(), c.inst.model.name, source, bi.Kind))
			continue
		}
		sourceShapes[idx] = input.Shape()
		counts[idx] = float64(max(shapes.ElementCount(sourceShapes[idx]), 0))
	}

	var dims []int64
	var values []float64
	switch bi.Kind {
	case config.BatchElementCount:
		dims, values = []int64{int64(len(counts))}, counts
	case config.BatchAccumulatedElementCount:
		values = make([]float64, len(counts))
		var sum float64
		for ii, count := range counts {
			sum += count
			values[ii] = sum
		}
		dims = []int64{int64(len(values))}
	case config.BatchAccumulatedElementCountWithZero:
		values = make([]float64, len(counts)+1)
		for ii, count := range counts {
			values[ii+1] = values[ii] + count
		}
		dims = []int64{int64(len(values))}
	case config.BatchMaxElementCountAsShape:
		var maxCount float64
		for _, count := range counts {
			maxCount = max(maxCount, count)
		}
		dims = []int64{int64(maxCount)}
		values = make([]float64, int(maxCount))
	case config.BatchItemShape, config.BatchItemShapeFlatten:
		var itemRank int
		for idx, shape := range sourceShapes {
			items, itemDims := int64(1), shape
			if batching && len(shape) > 0 {
				items, itemDims = c.batchSizes[idx], shape[1:]
			}
			itemRank = max(itemRank, len(itemDims))
			for range items {
				for _, dim := range itemDims {
					values = append(values, float64(dim))
				}
			}
		}
		if bi.Kind == config.BatchItemShapeFlatten || itemRank == 0 {
			dims = []int64{int64(len(values))}
		} else {
			dims = []int64{int64(len(values) / itemRank), int64(itemRank)}
		}
	default:
		return nil, status.Errorf(status.Internal, "unsupported batch input kind '%s' for '%s'", bi.Kind, c.inst.model.name)
	}

	dtype := dtypes.FromConfigName(bi.DataType)
	result := make([]*tensors.Tensor, 0, len(bi.TargetNames))
	for _, target := range bi.TargetNames {
		t, err := c.newInputTensor(target, shapes.Make(dtype, dims...))
		if err != nil {
			return nil, err
		}
		if err := t.SetFloat64s(values); err != nil {
			return nil, status.Wrapf(status.Internal, err, "batch input '%s' for '%s'", target, c.inst.model.name)
		}
		result = append(result, t)
	}
	return result, nil
}
