// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/status"
)

func defaultBackend() config.BackendConfig {
	return config.BackendConfig{DefaultMaxBatchSize: 4}
}

func TestAutoCompleteEmptyConfig(t *testing.T) {
	exec := savedModel(
		[]engine.TensorDescriptor{desc("INPUT0", dtypes.Float32, -1, 16), desc("TEXT", dtypes.String, -1)},
		desc("OUTPUT0", dtypes.Float32, -1, 16), desc("SCORE", dtypes.Int64, -1))
	cfg := &config.ModelConfig{Name: "m", Platform: config.PlatformSavedModel}

	completed, err := AutoComplete(cfg, exec, defaultBackend())
	require.NoError(t, err)
	assert.Equal(t, 4, completed.MaxBatchSize)
	require.NotNil(t, completed.DynamicBatching)
	assert.Equal(t, []config.Input{
		{Name: "INPUT0", DataType: "TYPE_FP32", Dims: []int64{16}},
		{Name: "TEXT", DataType: "TYPE_STRING", Dims: []int64{1}, Reshape: &config.Reshape{Shape: []int64{}}},
	}, completed.Inputs)
	assert.Equal(t, []config.Output{
		{Name: "OUTPUT0", DataType: "TYPE_FP32", Dims: []int64{16}},
		{Name: "SCORE", DataType: "TYPE_INT64", Dims: []int64{1}, Reshape: &config.Reshape{Shape: []int64{}}},
	}, completed.Outputs)

	// The given configuration is not changed.
	assert.Equal(t, 0, cfg.MaxBatchSize)
	assert.Empty(t, cfg.Inputs)
	assert.Nil(t, cfg.DynamicBatching)

	// Completing a completed configuration changes nothing.
	again, err := AutoComplete(completed, exec, defaultBackend())
	require.NoError(t, err)
	if diff := cmp.Diff(completed, again); diff != "" {
		t.Errorf("auto-complete is not idempotent (-first +second):\n%s", diff)
	}

	// The completed configuration validates.
	_, err = ValidateSavedModel(completed, exec)
	require.NoError(t, err)
}

func TestAutoCompleteKeepsConfigured(t *testing.T) {
	exec := savedModel(
		[]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16), desc("COUNT", dtypes.Int32, -1),
			desc("START", dtypes.Int32, -1, 1)},
		desc("OUT", dtypes.Float32, -1, 16))
	cfg := sequenceConfig(8, "START")
	cfg.Inputs[0].DataType = "TYPE_FP32"
	cfg.Outputs = nil
	cfg.BatchInputs = []config.BatchInput{{Kind: config.BatchElementCount, TargetNames: []string{"COUNT"},
		DataType: "TYPE_INT32", SourceInputs: []string{"IN"}}}

	completed, err := AutoComplete(cfg, exec, defaultBackend())
	require.NoError(t, err)
	assert.Equal(t, 8, completed.MaxBatchSize, "configured max_batch_size is kept")
	assert.Nil(t, completed.DynamicBatching, "sequence batching is the scheduler")
	require.Len(t, completed.Inputs, 1, "batch input targets and controls are not model inputs")
	assert.Equal(t, cfg.Inputs[0], completed.Inputs[0])
	require.Len(t, completed.Outputs, 1)
	assert.Equal(t, []int64{16}, completed.Outputs[0].Dims)
}

func TestAutoCompleteWithoutBatching(t *testing.T) {
	exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, 16)}, desc("OUT", dtypes.Float32, 16))
	completed, err := AutoComplete(&config.ModelConfig{Name: "m"}, exec, defaultBackend())
	require.NoError(t, err)
	assert.Equal(t, 0, completed.MaxBatchSize)
	assert.Nil(t, completed.DynamicBatching)
	assert.Equal(t, []int64{16}, completed.Inputs[0].Dims)

	_, err = AutoComplete(&config.ModelConfig{Name: "m", MaxBatchSize: 8}, exec, defaultBackend())
	require.Error(t, err)
	assert.True(t, status.Is(err, status.AutoCompleteInfeasible))
	assert.Contains(t, err.Error(), "max-batch 8 but model signature does not support batching")

	// A configured input with the full model rank tells the first dimension is not a batch.
	exec = savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16)}, desc("OUT", dtypes.Float32, -1, 16))
	cfg := &config.ModelConfig{Name: "m", Inputs: []config.Input{{Name: "IN", DataType: "TYPE_FP32", Dims: []int64{-1, 16}}}}
	completed, err = AutoComplete(cfg, exec, defaultBackend())
	require.NoError(t, err)
	assert.Equal(t, 0, completed.MaxBatchSize)
	assert.Equal(t, []int64{-1, 16}, completed.Outputs[0].Dims)

	// No default max batch size: the batch dimension stays in the dims.
	completed, err = AutoComplete(&config.ModelConfig{Name: "m"}, exec, config.BackendConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, completed.MaxBatchSize)
	assert.Equal(t, []int64{-1, 16}, completed.Inputs[0].Dims)
}

func TestAutoCompleteErrors(t *testing.T) {
	exec := savedModel([]engine.TensorDescriptor{desc("IN", dtypes.Float32, -1, 16)}, desc("OUT", dtypes.Float32, -1, 16))

	// Contradicting hints.
	cfg := &config.ModelConfig{Name: "m",
		Inputs:  []config.Input{{Name: "IN", DataType: "TYPE_FP32", Dims: []int64{16}}},
		Outputs: []config.Output{{Name: "OUT", DataType: "TYPE_FP32", Dims: []int64{-1, 16}}},
	}
	_, err := AutoComplete(cfg, exec, defaultBackend())
	require.Error(t, err)
	assert.True(t, status.Is(err, status.AutoCompleteInfeasible))
	assert.Contains(t, err.Error(), "contradicting")

	// Wrong rank of a configured tensor.
	cfg = &config.ModelConfig{Name: "m", MaxBatchSize: 4,
		Inputs: []config.Input{{Name: "IN", DataType: "TYPE_FP32", Dims: []int64{4, 4}}}}
	_, err = AutoComplete(cfg, exec, defaultBackend())
	require.Error(t, err)
	assert.True(t, status.Is(err, status.ConfigurationInvalid))
	assert.Contains(t, err.Error(), "number of dimensions (2) given for input 'IN'")

	// A reshape gives the rank the model sees.
	cfg.Inputs[0].Reshape = &config.Reshape{Shape: []int64{16}}
	_, err = AutoComplete(cfg, exec, defaultBackend())
	require.NoError(t, err)

	// Unknown rank and no configuration to tell it.
	unknown := savedModel([]engine.TensorDescriptor{{Name: "IN", Shape: desc("IN", dtypes.Float32).Shape}},
		desc("OUT", dtypes.Float32, -1, 16))
	_, err = AutoComplete(&config.ModelConfig{Name: "m"}, unknown, defaultBackend())
	require.Error(t, err)
	assert.True(t, status.Is(err, status.AutoCompleteInfeasible))
	assert.Contains(t, err.Error(), "rank of model tensor 'IN' is 0")

	graph := &fakeExecutable{format: engine.GraphDef}
	_, err = AutoComplete(&config.ModelConfig{Name: "m"}, graph, defaultBackend())
	require.Error(t, err)
	assert.True(t, status.Is(err, status.AutoCompleteInfeasible))
}
