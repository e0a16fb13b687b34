// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
)

func TestNew(t *testing.T) {
	x, err := New("x", shapes.Make(dtypes.Float32, 2, 3), OnDevice(1))
	require.NoError(t, err)
	assert.Equal(t, "x", x.Name())
	assert.Equal(t, int64(6), x.Size())
	assert.Equal(t, int64(24), x.ByteSize())
	assert.Equal(t, "device:1", x.Placement().String())
	assert.False(t, x.Placement().IsHost())
	buf, err := x.Buffer()
	require.NoError(t, err)
	assert.Len(t, buf.Data, 24)

	_, err = New("y", shapes.Make(dtypes.Float32, -1, 3), Host)
	require.Error(t, err)
	_, err = New("y", shapes.Make(dtypes.InvalidDType, 3), Host)
	require.Error(t, err)

	s := MustNew("s", shapes.Make(dtypes.String, 2), Host)
	_, err = s.Buffer()
	require.Error(t, err)
	_, err = (&Tensor{}).Buffer()
	require.Error(t, err)
	_, err = (&Tensor{}).Strings()
	require.Error(t, err)
	assert.Equal(t, int64(2*StringLengthPrefixSize), s.ByteSize())
	require.NoError(t, s.SetString(1, []byte("abc")))
	got, err := s.StringAt(1)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	require.Error(t, s.SetString(2, nil))
	require.Error(t, x.SetString(0, nil))
}

func TestFlatData(t *testing.T) {
	x, err := FromFlatDataAndDimensions("x", []float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, x.DType())
	values, err := CopyFlatData[float32](x)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, values)
	_, err = CopyFlatData[int32](x)
	require.Error(t, err)
	_, err = FromFlatDataAndDimensions("x", []int32{1, 2, 3}, 2, 2)
	require.Error(t, err)

	h, err := FromFlatDataAndDimensions("h", []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-2)}, 2)
	require.NoError(t, err)
	f64, err := h.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -2}, f64)

	b := MustNew("b", shapes.Make(dtypes.Bool, 3), Host)
	require.NoError(t, b.SetFloat64s([]float64{1, 0, 7}))
	bools, err := CopyFlatData[bool](b)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, bools)

	i, err := FromFlatDataAndDimensions("i", []int64{-3, 5}, 2)
	require.NoError(t, err)
	f64, err = i.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{-3, 5}, f64)
}

func TestStringsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for range 200 {
		m := rng.IntN(10)
		elements := make([][]byte, m)
		for ii := range elements {
			// Include zero-length strings often.
			elements[ii] = make([]byte, rng.IntN(3)*rng.IntN(20))
			for jj := range elements[ii] {
				elements[ii][jj] = byte(rng.IntN(256))
			}
		}
		encoded := EncodeStrings(elements)
		require.Len(t, encoded, StringsByteSize(elements))
		decoded, err := DecodeStrings("in", encoded, int64(m))
		require.NoError(t, err)
		require.Len(t, decoded, m)
		for ii := range elements {
			require.Equal(t, string(elements[ii]), string(decoded[ii]))
		}
	}
}

func TestDecodeStringsErrors(t *testing.T) {
	encoded := EncodeStrings([][]byte{[]byte("ab"), []byte(""), []byte("xyz")})

	// Too many elements.
	got, err := DecodeStrings("in", encoded, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected number of string elements 3 for inference input 'in', expecting 2")
	assert.Len(t, got, 2)

	// Truncated data.
	got, err = DecodeStrings("in", encoded[:len(encoded)-1], 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expecting string of length 3 but only 2 bytes available")
	assert.Len(t, got, 2)

	// Truncated length header.
	_, err = DecodeStrings("in", encoded[:2], 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete string length")

	// Too few elements.
	got, err = DecodeStrings("in", encoded, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4 strings for inference input 'in', got 3")
	assert.Len(t, got, 3)

	s, err := FromStrings("s", [][]byte{[]byte("a"), []byte("b")}, 1, 2)
	require.NoError(t, err)
	elements, err := s.Strings()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, elements)
	_, err = FromStrings("s", [][]byte{[]byte("a")}, 2)
	require.Error(t, err)
}
