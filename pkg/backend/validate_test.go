// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/status"
)

// fakeExecutable only reports a signature.
type fakeExecutable struct {
	format          engine.Format
	inputs, outputs []engine.TensorDescriptor
	finalized       int
}

func (f *fakeExecutable) Format() engine.Format              { return f.format }
func (f *fakeExecutable) Device() engine.DeviceNum           { return engine.NoGPU }
func (f *fakeExecutable) Inputs() []engine.TensorDescriptor  { return f.inputs }
func (f *fakeExecutable) Outputs() []engine.TensorDescriptor { return f.outputs }
func (f *fakeExecutable) Finalize()                          { f.finalized++ }
func (f *fakeExecutable) NewTensor(name string, shape shapes.Shape, placement tensors.Placement) (*tensors.Tensor, error) {
	return tensors.New(name, shape, placement)
}
func (f *fakeExecutable) Execute([]*tensors.Tensor, []string) ([]*tensors.Tensor, error) {
	return nil, nil
}

func desc(name string, dtype dtypes.DType, dims ...int64) engine.TensorDescriptor {
	return engine.TensorDescriptor{Name: name, InModelName: name + ":0", Shape: shapes.Make(dtype, dims...)}
}

func savedModel(inputs []engine.TensorDescriptor, outputs ...engine.TensorDescriptor) *fakeExecutable {
	return &fakeExecutable{format: engine.SavedModel, inputs: inputs, outputs: outputs}
}

func baseConfig(mbs int) *config.ModelConfig {
	return &config.ModelConfig{
		Name:         "m",
		Platform:     config.PlatformSavedModel,
		MaxBatchSize: mbs,
		Inputs:       []config.Input{{Name: "IN", DataType: "TYPE_FP32", Dims: []int64{16}}},
		Outputs:      []config.Output{{Name: "OUT", DataType: "TYPE_FP32", Dims: []int64{16}}},
	}
}

func TestValidateSavedModel(t *testing.T) {
	t.Run("batching", func(t *testing.T) {
		exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16)}, desc("OUT", dtypes.Float32, -1, 16))
		sig, err := ValidateSavedModel(baseConfig(8), exec)
		require.NoError(t, err)
		assert.Equal(t, "IN:0", sig.InModelInputName("IN"))
		assert.Equal(t, "OUT:0", sig.InModelOutputName("OUT"))
		assert.Equal(t, "unknown", sig.InModelOutputName("unknown"))
	})

	t.Run("inputs are lenient, outputs exact", func(t *testing.T) {
		exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, -1)}, desc("OUT", dtypes.Float32, -1, 16))
		_, err := ValidateSavedModel(baseConfig(8), exec)
		require.NoError(t, err)

		exec = savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16)}, desc("OUT", dtypes.Float32, -1, -1))
		_, err = ValidateSavedModel(baseConfig(8), exec)
		require.Error(t, err)
		assert.True(t, status.Is(err, status.ConfigurationInvalid))
		assert.Contains(t, err.Error(), "tensor 'OUT'")
	})

	t.Run("input count", func(t *testing.T) {
		exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, 16), desc("EXTRA", dtypes.Float32, 16)},
			desc("OUT", dtypes.Float32, 16))
		_, err := ValidateSavedModel(baseConfig(0), exec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration expects 1 inputs, model provides 2")
	})

	t.Run("unknown input", func(t *testing.T) {
		exec := savedModel([]engine.TensorDescriptor{desc("OTHER", dtypes.Float32, 16)}, desc("OUT", dtypes.Float32, 16))
		_, err := ValidateSavedModel(baseConfig(0), exec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected inference input 'IN' for model 'm', allowed inputs are: OTHER")
	})

	t.Run("datatype", func(t *testing.T) {
		exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Int32, 16)}, desc("OUT", dtypes.Float32, 16))
		_, err := ValidateSavedModel(baseConfig(0), exec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration expects datatype TYPE_FP32 for input 'IN', model provides TYPE_INT32")
	})

	t.Run("back-fill unknown rank", func(t *testing.T) {
		in := engine.TensorDescriptor{Name: "IN", Shape: shapes.Make(dtypes.Float32)}
		out := engine.TensorDescriptor{Name: "OUT", Shape: shapes.Make(dtypes.Float32)}
		exec := savedModel([]engine.TensorDescriptor{in}, out)
		sig, err := ValidateSavedModel(baseConfig(4), exec)
		require.NoError(t, err)
		assert.Equal(t, []int64{-1, 16}, sig.Inputs["IN"].Shape.Dimensions)
		assert.Equal(t, []int64{-1, 16}, sig.Outputs["OUT"].Shape.Dimensions)
		// The executable signature itself is not changed.
		assert.Equal(t, 0, exec.Inputs()[0].Rank())
	})

	t.Run("ragged", func(t *testing.T) {
		cfg := baseConfig(4)
		cfg.Inputs[0].AllowRaggedBatch = true
		cfg.Inputs[0].Dims = []int64{-1}
		exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1)}, desc("OUT", dtypes.Float32, -1, 16))
		_, err := ValidateSavedModel(cfg, exec)
		require.NoError(t, err)

		exec = savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 3)}, desc("OUT", dtypes.Float32, -1, 16))
		_, err = ValidateSavedModel(cfg, exec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shape [-1] for ragged input 'IN'")
	})

	t.Run("batch output skips shape check", func(t *testing.T) {
		cfg := baseConfig(4)
		cfg.BatchOutputs = []config.BatchOutput{{TargetNames: []string{"OUT"}, Kind: config.BatchScatterWithInputShape,
			SourceInputs: []string{"IN"}}}
		exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16)}, desc("OUT", dtypes.Float32, -1, 3, 5))
		_, err := ValidateSavedModel(cfg, exec)
		require.NoError(t, err)
	})

	t.Run("batch inputs count as model inputs", func(t *testing.T) {
		cfg := baseConfig(4)
		cfg.BatchInputs = []config.BatchInput{{Kind: config.BatchElementCount, TargetNames: []string{"COUNT"},
			DataType: "TYPE_INT32", SourceInputs: []string{"IN"}}}
		exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16), desc("COUNT", dtypes.Int32, -1)},
			desc("OUT", dtypes.Float32, -1, 16))
		_, err := ValidateSavedModel(cfg, exec)
		require.NoError(t, err)
	})
}

func sequenceConfig(mbs int, controlName string) *config.ModelConfig {
	cfg := baseConfig(mbs)
	cfg.SequenceBatching = &config.SequenceBatching{ControlInputs: []config.ControlInput{{
		Name:     controlName,
		Controls: []config.Control{{Kind: config.ControlSequenceStart, Int32FalseTrue: []int32{0, 1}}},
	}}}
	return cfg
}

func TestValidateSequenceControls(t *testing.T) {
	inputs := []engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16), desc("START", dtypes.Int32, -1, 1)}
	out := desc("OUT", dtypes.Float32, -1, 16)

	_, err := ValidateSavedModel(sequenceConfig(4, "START"), savedModel(inputs, out))
	require.NoError(t, err)

	_, err = ValidateSavedModel(sequenceConfig(4, "READY"), savedModel(inputs, out))
	require.Error(t, err)
	assert.True(t, status.Is(err, status.ConfigurationInvalid))
	assert.Contains(t, err.Error(), "model 'm' specified sequence control 'READY', but model does not provide that input")

	badShape := []engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16), desc("START", dtypes.Int32, -1, 2)}
	_, err = ValidateSavedModel(sequenceConfig(4, "START"), savedModel(badShape, out))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence control 'START'")

	badType := []engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16), desc("START", dtypes.Bool, -1, 1)}
	_, err = ValidateSavedModel(sequenceConfig(4, "START"), savedModel(badType, out))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects data-type TYPE_BOOL")
}

func TestValidateGraphDef(t *testing.T) {
	names := func(names ...string) []engine.TensorDescriptor {
		var ds []engine.TensorDescriptor
		for _, n := range names {
			ds = append(ds, engine.TensorDescriptor{Name: n, InModelName: n})
		}
		return ds
	}
	exec := &fakeExecutable{format: engine.GraphDef, inputs: names("IN", "UNUSED"), outputs: names("OUT")}
	sig, err := Validate(baseConfig(4), exec)
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Float32, -1, 16), sig.Inputs["IN"].Shape)

	exec = &fakeExecutable{format: engine.GraphDef, inputs: names(), outputs: names("OUT")}
	_, err = Validate(baseConfig(4), exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model provides at most 0")

	exec = &fakeExecutable{format: engine.GraphDef, inputs: names("IN"), outputs: names("OTHER")}
	_, err = Validate(baseConfig(4), exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected inference output 'OUT' for model 'm', allowed outputs are: OTHER")

	exec = &fakeExecutable{format: engine.GraphDef, inputs: names("IN", "START"), outputs: names("OUT")}
	_, err = Validate(sequenceConfig(4, "START"), exec)
	require.NoError(t, err)
	_, err = Validate(sequenceConfig(4, "CORRID"), exec)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.ConfigurationInvalid))
	assert.Contains(t, err.Error(), "'CORRID'")
}
