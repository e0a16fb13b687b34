// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfbridge/tfbridge/pkg/config"
)

func TestSyntheticCycles(t *testing.T) {
	cfg := &config.ModelConfig{
		Name:         "replayed",
		MaxBatchSize: 8,
		Inputs: []config.Input{
			{Name: "IN", DataType: "TYPE_FP32", Dims: []int64{-1, 2}},
			{Name: "RAGGED", DataType: "TYPE_INT32", Dims: []int64{-1}, AllowRaggedBatch: true},
		},
		Outputs: []config.Output{{Name: "OUT", DataType: "TYPE_FP32", Dims: []int64{-1, 2}}},
	}
	cycles, err := syntheticCycles(cfg, 5, 3, 2, []string{"OUT"})
	require.NoError(t, err)
	require.Len(t, cycles, 5)
	for cycle, requests := range cycles {
		require.Len(t, requests, 3)
		for _, r := range requests {
			assert.Equal(t, []string{"OUT"}, r.RequestedOutputNames())
			in, err := r.Input("IN")
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 1, 2}, in.Shape())
			ragged, err := r.Input("RAGGED")
			require.NoError(t, err)
			assert.Equal(t, []int64{2, int64(1 + (cycle+1)%3)}, ragged.Shape(), "cycle %d", cycle)
		}
	}

	cfg.Inputs[1].DataType = "TYPE_UNKNOWN"
	_, err = syntheticCycles(cfg, 5, 3, 2, []string{"OUT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `input "RAGGED" has an invalid data type`)
}
