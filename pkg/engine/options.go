// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

// LoadOptions are the hints passed to the Engine when loading a model.
type LoadOptions struct {
	// Device where to load the model.
	Device DeviceNum

	// InputDevice is where input tensors are allocated; NoGPU means host memory.
	InputDevice DeviceNum

	// GraphLevel is the graph optimization level. Only used if HasGraphLevel.
	HasGraphLevel bool
	GraphLevel    int

	// Session settings shared by all models of the backend.
	AllowSoftPlacement   bool
	AllowGPUMemoryGrowth bool
	GPUMemoryFraction    float64

	// Thread pools: 0 lets the engine decide.
	NumIntraThreads      int
	NumInterThreads      int
	UsePerSessionThreads bool

	// GraphTag and SignatureDef select the MetaGraph and the signature of a SavedModel.
	// Empty means the engine default ("serve" and "serving_default").
	GraphTag     string
	SignatureDef string

	// TensorRT enables TF-TRT conversion of the graph, if not nil.
	TensorRT *TensorRTOptions

	// AutoMixedPrecision enables the automatic mixed precision graph rewrite.
	AutoMixedPrecision bool
}

// TensorRTOptions configures the TF-TRT graph conversion.
type TensorRTOptions struct {
	// PrecisionMode is "FP32" or "FP16".
	PrecisionMode         string
	MinimumSegmentSize    int64
	MaxWorkspaceSizeBytes int64
	MaxCachedEngines      int32
	MaxBatchSize          int
}

// DefaultTensorRTOptions returns the TF-TRT options used when the configuration doesn't set them.
func DefaultTensorRTOptions(maxBatchSize int) *TensorRTOptions {
	return &TensorRTOptions{
		PrecisionMode:         "FP32",
		MinimumSegmentSize:    3,
		MaxWorkspaceSizeBytes: 1 << 30,
		MaxCachedEngines:      100,
		MaxBatchSize:          max(maxBatchSize, 1),
	}
}
