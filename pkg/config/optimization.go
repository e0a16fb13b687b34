// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"strconv"

	"github.com/tfbridge/tfbridge/pkg/engine"
)

// Execution accelerator names.
const (
	AcceleratorTensorRT           = "tensorrt"
	AcceleratorGPUIO              = "gpu_io"
	AcceleratorAutoMixedPrecision = "auto_mixed_precision"
)

// Accelerators is the parsed form of the execution accelerators of a model.
type Accelerators struct {
	// TensorRT options, nil if TF-TRT is not requested.
	TensorRT *engine.TensorRTOptions

	// GPUIO requests the inputs to be allocated directly on the GPU of the instance.
	GPUIO bool

	AutoMixedPrecision bool
}

// GraphLevel returns the graph optimization level and whether it was configured.
func (c *ModelConfig) GraphLevel() (level int, ok bool) {
	if c.Optimization == nil || c.Optimization.Graph == nil {
		return 0, false
	}
	return c.Optimization.Graph.Level, true
}

// ParseAccelerators parses optimization.execution_accelerators.
//
// CPU accelerators are not supported. TensorRT and automatic mixed precision are mutually exclusive.
func (c *ModelConfig) ParseAccelerators() (Accelerators, error) {
	var accel Accelerators
	if c.Optimization == nil || c.Optimization.ExecutionAccelerators == nil {
		return accel, nil
	}
	eas := c.Optimization.ExecutionAccelerators
	if len(eas.CPU) > 0 {
		return accel, invalidf("CPU execution accelerator is not supported by model '%s'", c.Name)
	}
	for _, ea := range eas.GPU {
		switch ea.Name {
		case AcceleratorTensorRT:
			if accel.AutoMixedPrecision {
				return accel, invalidf("model '%s': automatic mixed precision can not be set with TF-TRT optimization", c.Name)
			}
			trt, err := c.parseTensorRT(ea.Parameters)
			if err != nil {
				return accel, err
			}
			accel.TensorRT = trt
		case AcceleratorGPUIO:
			accel.GPUIO = true
		case AcceleratorAutoMixedPrecision:
			if accel.TensorRT != nil {
				return accel, invalidf("model '%s': automatic mixed precision can not be set with TF-TRT optimization", c.Name)
			}
			accel.AutoMixedPrecision = true
		default:
			return accel, invalidf("unknown execution accelerator '%s' is requested for model '%s'", ea.Name, c.Name)
		}
	}
	return accel, nil
}

func (c *ModelConfig) parseTensorRT(params map[string]string) (*engine.TensorRTOptions, error) {
	trt := engine.DefaultTensorRTOptions(c.MaxBatchSize)
	for key, value := range params {
		var err error
		switch key {
		case "precision_mode":
			if value != "FP32" && value != "FP16" {
				return nil, invalidf("unsupported precision mode '%s' is requested for TensorRT execution accelerator in model '%s'",
					value, c.Name)
			}
			trt.PrecisionMode = value
		case "minimum_segment_size":
			trt.MinimumSegmentSize, err = strconv.ParseInt(value, 10, 64)
		case "max_workspace_size_bytes":
			trt.MaxWorkspaceSizeBytes, err = strconv.ParseInt(value, 10, 64)
		case "max_cached_engines":
			var v int64
			v, err = strconv.ParseInt(value, 10, 32)
			trt.MaxCachedEngines = int32(v)
		default:
			return nil, invalidf("unknown parameter '%s' is provided for TensorRT execution accelerator in model '%s'",
				key, c.Name)
		}
		if err != nil {
			return nil, invalidf("failed to parse TensorRT parameter '%s'='%s' in model '%s': %v", key, value, c.Name, err)
		}
	}
	return trt, nil
}
