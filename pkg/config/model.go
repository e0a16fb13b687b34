// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the typed model configuration exchanged with the host server, decodes
// it from its persisted JSON (or YAML) form, and parses the backend-wide configuration and the
// model tuning parameters.
//
// Field names follow the host server's model configuration schema.
package config

import (
	"slices"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
)

// Platforms served by this backend.
const (
	PlatformGraphDef   = "tensorflow_graphdef"
	PlatformSavedModel = "tensorflow_savedmodel"
)

// Default artifact names, inside the version directory of the model repository.
const (
	DefaultGraphDefFilename   = "model.graphdef"
	DefaultSavedModelFilename = "model.savedmodel"
)

// ModelConfig is the configuration of one model.
type ModelConfig struct {
	Name                 string               `json:"name"`
	Platform             string               `json:"platform,omitempty"`
	Backend              string               `json:"backend,omitempty"`
	MaxBatchSize         int                  `json:"max_batch_size"`
	Inputs               []Input              `json:"input,omitempty"`
	Outputs              []Output             `json:"output,omitempty"`
	BatchInputs          []BatchInput         `json:"batch_input,omitempty"`
	BatchOutputs         []BatchOutput        `json:"batch_output,omitempty"`
	SequenceBatching     *SequenceBatching    `json:"sequence_batching,omitempty"`
	DynamicBatching      *DynamicBatching     `json:"dynamic_batching,omitempty"`
	InstanceGroups       []InstanceGroup      `json:"instance_group,omitempty"`
	Parameters           map[string]Parameter `json:"parameters,omitempty"`
	Optimization         *Optimization        `json:"optimization,omitempty"`
	DefaultModelFilename string               `json:"default_model_filename,omitempty"`
}

// Input is the configuration of one model input.
type Input struct {
	Name             string   `json:"name"`
	DataType         string   `json:"data_type"`
	Dims             []int64  `json:"dims"`
	Reshape          *Reshape `json:"reshape,omitempty"`
	AllowRaggedBatch bool     `json:"allow_ragged_batch,omitempty"`
	Optional         bool     `json:"optional,omitempty"`
}

// Output is the configuration of one model output.
type Output struct {
	Name          string   `json:"name"`
	DataType      string   `json:"data_type"`
	Dims          []int64  `json:"dims"`
	Reshape       *Reshape `json:"reshape,omitempty"`
	LabelFilename string   `json:"label_filename,omitempty"`
}

// Reshape overrides the shape the model sees for a tensor.
type Reshape struct {
	Shape []int64 `json:"shape"`
}

// Batch input kinds.
const (
	BatchElementCount                    = "BATCH_ELEMENT_COUNT"
	BatchAccumulatedElementCount         = "BATCH_ACCUMULATED_ELEMENT_COUNT"
	BatchAccumulatedElementCountWithZero = "BATCH_ACCUMULATED_ELEMENT_COUNT_WITH_ZERO"
	BatchMaxElementCountAsShape          = "BATCH_MAX_ELEMENT_COUNT_AS_SHAPE"
	BatchItemShape                       = "BATCH_ITEM_SHAPE"
	BatchItemShapeFlatten                = "BATCH_ITEM_SHAPE_FLATTEN"
)

// BatchInput declares inputs computed from the whole batch instead of supplied by requests.
type BatchInput struct {
	Kind         string   `json:"kind"`
	TargetNames  []string `json:"target_name"`
	DataType     string   `json:"data_type"`
	SourceInputs []string `json:"source_input"`
}

// BatchScatterWithInputShape is the batch output kind that scatters the output to the requests
// following the shape of each request's source input.
const BatchScatterWithInputShape = "BATCH_SCATTER_WITH_INPUT_SHAPE"

// BatchOutput declares outputs distributed to the requests by a custom rule.
type BatchOutput struct {
	TargetNames  []string `json:"target_name"`
	Kind         string   `json:"kind"`
	SourceInputs []string `json:"source_input"`
}

// DynamicBatching enables the dynamic batching scheduler of the host server.
type DynamicBatching struct {
	PreferredBatchSize        []int `json:"preferred_batch_size,omitempty"`
	MaxQueueDelayMicroseconds int64 `json:"max_queue_delay_microseconds,omitempty"`
}

// InstanceGroup kinds.
const (
	KindAuto  = "KIND_AUTO"
	KindCPU   = "KIND_CPU"
	KindGPU   = "KIND_GPU"
	KindModel = "KIND_MODEL"
)

// InstanceGroup declares a group of model instances.
type InstanceGroup struct {
	Name  string `json:"name,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Count int    `json:"count,omitempty"`
	GPUs  []int  `json:"gpus,omitempty"`
}

// Parameter is the value of a model parameter.
type Parameter struct {
	StringValue string `json:"string_value"`
}

// Optimization settings of a model.
type Optimization struct {
	Graph                 *GraphOptimization     `json:"graph,omitempty"`
	ExecutionAccelerators *ExecutionAccelerators `json:"execution_accelerators,omitempty"`
}

// GraphOptimization sets the graph optimization level of the engine.
type GraphOptimization struct {
	Level int `json:"level"`
}

// ExecutionAccelerators lists the accelerators requested for GPU and CPU instances.
type ExecutionAccelerators struct {
	GPU []Accelerator `json:"gpu_execution_accelerator,omitempty"`
	CPU []Accelerator `json:"cpu_execution_accelerator,omitempty"`
}

// Accelerator is one execution accelerator and its parameters.
type Accelerator struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Clone returns a deep copy of the configuration.
func (c *ModelConfig) Clone() *ModelConfig {
	c2 := *c
	c2.Inputs = slices.Clone(c.Inputs)
	for ii := range c2.Inputs {
		c2.Inputs[ii].Dims = slices.Clone(c2.Inputs[ii].Dims)
		c2.Inputs[ii].Reshape = c2.Inputs[ii].Reshape.clone()
	}
	c2.Outputs = slices.Clone(c.Outputs)
	for ii := range c2.Outputs {
		c2.Outputs[ii].Dims = slices.Clone(c2.Outputs[ii].Dims)
		c2.Outputs[ii].Reshape = c2.Outputs[ii].Reshape.clone()
	}
	c2.BatchInputs = slices.Clone(c.BatchInputs)
	for ii := range c2.BatchInputs {
		c2.BatchInputs[ii].TargetNames = slices.Clone(c2.BatchInputs[ii].TargetNames)
		c2.BatchInputs[ii].SourceInputs = slices.Clone(c2.BatchInputs[ii].SourceInputs)
	}
	c2.BatchOutputs = slices.Clone(c.BatchOutputs)
	for ii := range c2.BatchOutputs {
		c2.BatchOutputs[ii].TargetNames = slices.Clone(c2.BatchOutputs[ii].TargetNames)
		c2.BatchOutputs[ii].SourceInputs = slices.Clone(c2.BatchOutputs[ii].SourceInputs)
	}
	if c.SequenceBatching != nil {
		sb := *c.SequenceBatching
		sb.ControlInputs = slices.Clone(sb.ControlInputs)
		for ii := range sb.ControlInputs {
			sb.ControlInputs[ii].Controls = slices.Clone(sb.ControlInputs[ii].Controls)
		}
		c2.SequenceBatching = &sb
	}
	if c.DynamicBatching != nil {
		db := *c.DynamicBatching
		db.PreferredBatchSize = slices.Clone(db.PreferredBatchSize)
		c2.DynamicBatching = &db
	}
	c2.InstanceGroups = slices.Clone(c.InstanceGroups)
	if c.Parameters != nil {
		c2.Parameters = make(map[string]Parameter, len(c.Parameters))
		for k, v := range c.Parameters {
			c2.Parameters[k] = v
		}
	}
	if c.Optimization != nil {
		opt := *c.Optimization
		if opt.Graph != nil {
			graph := *opt.Graph
			opt.Graph = &graph
		}
		if opt.ExecutionAccelerators != nil {
			accel := *opt.ExecutionAccelerators
			accel.GPU = slices.Clone(accel.GPU)
			accel.CPU = slices.Clone(accel.CPU)
			opt.ExecutionAccelerators = &accel
		}
		c2.Optimization = &opt
	}
	return &c2
}

func (r *Reshape) clone() *Reshape {
	if r == nil {
		return nil
	}
	return &Reshape{Shape: slices.Clone(r.Shape)}
}

// FindInput returns the configured input with the given name, or nil.
func (c *ModelConfig) FindInput(name string) *Input {
	for ii := range c.Inputs {
		if c.Inputs[ii].Name == name {
			return &c.Inputs[ii]
		}
	}
	return nil
}

// FindOutput returns the configured output with the given name, or nil.
func (c *ModelConfig) FindOutput(name string) *Output {
	for ii := range c.Outputs {
		if c.Outputs[ii].Name == name {
			return &c.Outputs[ii]
		}
	}
	return nil
}

// BatchOutputFor returns the batch output declaration targeting the output name, or nil.
func (c *ModelConfig) BatchOutputFor(name string) *BatchOutput {
	for ii := range c.BatchOutputs {
		if slices.Contains(c.BatchOutputs[ii].TargetNames, name) {
			return &c.BatchOutputs[ii]
		}
	}
	return nil
}

// DType returns the dtype of the input.
func (in *Input) DType() dtypes.DType { return dtypes.FromConfigName(in.DataType) }

// DType returns the dtype of the output.
func (out *Output) DType() dtypes.DType { return dtypes.FromConfigName(out.DataType) }

// ModelDims returns the dims as seen by the model: the reshape if given, otherwise the dims.
func (in *Input) ModelDims() []int64 { return in.Reshape.dimsOr(in.Dims) }

// ModelDims returns the dims as seen by the model: the reshape if given, otherwise the dims.
func (out *Output) ModelDims() []int64 { return out.Reshape.dimsOr(out.Dims) }

func (r *Reshape) dimsOr(dims []int64) []int64 {
	if r != nil {
		return r.Shape
	}
	return dims
}

// ValidateDataTypes checks that every configured input and output uses a dtype supported by the engine.
func (c *ModelConfig) ValidateDataTypes() error {
	for _, in := range c.Inputs {
		if !in.DType().IsValid() {
			return invalidf("unsupported datatype %s for input '%s' for model '%s'", in.DataType, in.Name, c.Name)
		}
	}
	for _, out := range c.Outputs {
		if !out.DType().IsValid() {
			return invalidf("unsupported datatype %s for output '%s' for model '%s'", out.DataType, out.Name, c.Name)
		}
	}
	for _, bi := range c.BatchInputs {
		switch dtypes.FromConfigName(bi.DataType) {
		case dtypes.Int32, dtypes.Int64, dtypes.Float32:
		default:
			return invalidf("unsupported datatype %s for batch input '%s' for model '%s'",
				bi.DataType, bi.Kind, c.Name)
		}
	}
	return nil
}

// ValidateDims checks that the dims of every input and output are non-empty and that no
// dimension is smaller than the wildcard.
func (c *ModelConfig) ValidateDims() error {
	check := func(kind, name string, dims []int64) error {
		if len(dims) == 0 {
			return invalidf("model '%s' %s '%s' must specify dims", c.Name, kind, name)
		}
		for _, dim := range dims {
			if dim < shapes.WildcardDim || dim == 0 {
				return invalidf("model '%s' %s '%s' has invalid dims %s", c.Name, kind, name, shapes.DimsString(dims))
			}
		}
		return nil
	}
	for _, in := range c.Inputs {
		if err := check("input", in.Name, in.Dims); err != nil {
			return err
		}
	}
	for _, out := range c.Outputs {
		if err := check("output", out.Name, out.Dims); err != nil {
			return err
		}
	}
	return nil
}
