// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
)

type nopEngine struct {
	Engine
	config string
}

func TestRegistry(t *testing.T) {
	Register("nop", func(config string) (Engine, error) { return &nopEngine{config: config}, nil })
	Register("other", func(config string) (Engine, error) { return &nopEngine{config: "other:" + config}, nil })
	assert.Contains(t, Registered(), "nop")

	e, err := NewWithConfig("nop:abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", e.(*nopEngine).config)

	e, err = NewWithConfig("other")
	require.NoError(t, err)
	assert.Equal(t, "other:", e.(*nopEngine).config)

	_, err = NewWithConfig("missing:x")
	require.Error(t, err)
}

func TestTensorDescriptor(t *testing.T) {
	d := TensorDescriptor{Name: "x", InModelName: "x:0", Shape: shapes.Make(dtypes.Float32)}
	assert.Equal(t, 0, d.Rank())
	d2 := d.WithDimensions([]int64{-1, 16})
	assert.Equal(t, 2, d2.Rank())
	assert.Equal(t, 0, d.Rank(), "WithDimensions must not change the receiver")
	assert.Equal(t, dtypes.Float32, d2.Shape.DType)

	found, ok := FindTensorDescriptor([]TensorDescriptor{d, {Name: "y"}}, "y")
	require.True(t, ok)
	assert.Equal(t, "y", found.Name)
	_, ok = FindTensorDescriptor(nil, "y")
	assert.False(t, ok)

	assert.Equal(t, "CPU", NoGPU.String())
	assert.Equal(t, "GPU:1", DeviceNum(1).String())
	assert.Equal(t, 1, DefaultTensorRTOptions(0).MaxBatchSize)
	assert.Equal(t, int64(1<<30), DefaultTensorRTOptions(8).MaxWorkspaceSizeBytes)
}
