// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/status"
)

// CompareShapes checks that the dimensions reported by the model for one of its tensors are
// compatible with the dimensions declared in the model configuration.
//
// If supportsBatching, the model shape must have a leading WildcardDim (the batch dimension),
// and it is compared to configuredDims prefixed with WildcardDim.
// Otherwise, the ranks must match exactly.
//
// With exactMatch, every dimension must be equal. Otherwise a WildcardDim reported by the model
// accepts any configured value.
//
// It returns a status.ConfigurationInvalid error naming the model, the tensor and both shapes.
func CompareShapes(modelName, tensorName string, modelDims, configuredDims []int64,
	supportsBatching, exactMatch bool) error {
	fullDims := configuredDims
	if supportsBatching {
		fullDims = make([]int64, 0, len(configuredDims)+1)
		fullDims = append(fullDims, WildcardDim)
		fullDims = append(fullDims, configuredDims...)
	}
	if dimsCompatible(modelDims, fullDims, supportsBatching, exactMatch) {
		return nil
	}
	if supportsBatching {
		return status.Errorf(status.ConfigurationInvalid,
			"unable to load model '%s', tensor '%s': the model expects %d dimensions (shape %s) but the model "+
				"configuration specifies %d dimensions (an initial batch dimension because max_batch_size > 0 "+
				"followed by the explicit tensor shape, making complete shape %s)",
			modelName, tensorName, len(modelDims), DimsString(modelDims), len(fullDims), DimsString(fullDims))
	}
	return status.Errorf(status.ConfigurationInvalid,
		"unable to load model '%s', tensor '%s': the model expects %d dimensions (shape %s) but the model "+
			"configuration specifies %d dimensions (shape %s)",
		modelName, tensorName, len(modelDims), DimsString(modelDims), len(fullDims), DimsString(fullDims))
}

func dimsCompatible(modelDims, fullDims []int64, supportsBatching, exactMatch bool) bool {
	if len(modelDims) != len(fullDims) {
		return false
	}
	start := 0
	if supportsBatching {
		if len(modelDims) == 0 || modelDims[0] != WildcardDim {
			return false
		}
		start = 1
	}
	for ii := start; ii < len(modelDims); ii++ {
		modelDim := modelDims[ii]
		if !exactMatch && modelDim == WildcardDim {
			continue
		}
		if modelDim != fullDims[ii] {
			return false
		}
	}
	return true
}

// CompareDataType returns whether the dtype reported by the model is the one named by the
// configuration (e.g. "TYPE_FP32"). An unknown or invalid configuration name is never compatible.
func CompareDataType(modelDType dtypes.DType, configuredTypeName string) bool {
	configured := dtypes.FromConfigName(configuredTypeName)
	return configured != dtypes.InvalidDType && configured == modelDType
}

// ModelSupportsBatch returns true only if every one of the given tensor dimensions (all inputs
// and outputs of a model) has rank >= 1 and a WildcardDim leading dimension.
//
// A single non-conforming tensor, including one of unknown rank, makes it false.
func ModelSupportsBatch(tensorsDims ...[]int64) bool {
	for _, dims := range tensorsDims {
		if len(dims) == 0 || dims[0] != WildcardDim {
			return false
		}
	}
	return true
}
