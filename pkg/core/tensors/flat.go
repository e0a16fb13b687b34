// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
)

// Supported lists the Go types that can be used as flat data of fixed-size tensors.
type Supported interface {
	bool | uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 |
		float16.Float16 | float32 | float64
}

// FromFlatDataAndDimensions creates a host tensor with the given dimensions and flat values.
// Example:
//
//	t := FromFlatDataAndDimensions("x", []float32{1, 2, 3, 4}, 2, 2) // [[1,2], [3,4]]
func FromFlatDataAndDimensions[T Supported](name string, data []T, dimensions ...int64) (*Tensor, error) {
	dtype := dtypes.FromGoType(reflect.TypeFor[T]())
	shape := shapes.Make(dtype, dimensions...)
	if shape.Size() != int64(len(data)) {
		return nil, errors.Errorf("tensor %q: %d values given for shape %s", name, len(data), shape)
	}
	flat, err := binary.Append(nil, binary.NativeEndian, data)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding values of tensor %q", name)
	}
	return &Tensor{name: name, shape: shape, placement: Host, flat: flat}, nil
}

// CopyFlatData returns a copy of the tensor content as a slice of T, which must match the tensor dtype.
func CopyFlatData[T Supported](t *Tensor) ([]T, error) {
	want := dtypes.FromGoType(reflect.TypeFor[T]())
	if t.DType() != want {
		return nil, errors.Errorf("tensor %q has dtype %s, cannot read it as %s", t.name, t.DType(), want)
	}
	values := make([]T, t.Size())
	var err error
	_ = t.ConstBytes(func(data []byte) {
		err = binary.Read(bytes.NewReader(data), binary.NativeEndian, values)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "decoding values of tensor %q", t.name)
	}
	return values, nil
}

// Float64s returns the content of a numeric (or Bool) tensor converted to float64.
// It is meant for reports and simple element-wise programs, not for performance.
func (t *Tensor) Float64s() ([]float64, error) {
	dtype := t.DType()
	if dtype.IsVariableSize() || !dtype.IsValid() {
		return nil, errors.Errorf("tensor %q of dtype %s cannot be converted to float64", t.name, dtype)
	}
	values := make([]float64, t.Size())
	_ = t.ConstBytes(func(data []byte) {
		for ii := range values {
			values[ii] = decodeFloat64(dtype, data[ii*dtype.Size():])
		}
	})
	return values, nil
}

// SetFloat64s sets the content of a numeric (or Bool) tensor from float64 values, converting
// them to the tensor dtype.
func (t *Tensor) SetFloat64s(values []float64) error {
	dtype := t.DType()
	if dtype.IsVariableSize() || !dtype.IsValid() {
		return errors.Errorf("tensor %q of dtype %s cannot be set from float64", t.name, dtype)
	}
	if int64(len(values)) != t.Size() {
		return errors.Errorf("tensor %q has %d elements, %d values given", t.name, t.Size(), len(values))
	}
	return t.MutableBytes(func(data []byte) {
		for ii, v := range values {
			encodeFloat64(dtype, data[ii*dtype.Size():], v)
		}
	})
}

func decodeFloat64(dtype dtypes.DType, data []byte) float64 {
	order := binary.NativeEndian
	switch dtype {
	case dtypes.Bool:
		if data[0] != 0 {
			return 1
		}
		return 0
	case dtypes.Uint8:
		return float64(data[0])
	case dtypes.Int8:
		return float64(int8(data[0]))
	case dtypes.Uint16:
		return float64(order.Uint16(data))
	case dtypes.Int16:
		return float64(int16(order.Uint16(data)))
	case dtypes.Float16:
		return float64(float16.Frombits(order.Uint16(data)).Float32())
	case dtypes.Uint32:
		return float64(order.Uint32(data))
	case dtypes.Int32:
		return float64(int32(order.Uint32(data)))
	case dtypes.Float32:
		return float64(math.Float32frombits(order.Uint32(data)))
	case dtypes.Uint64:
		return float64(order.Uint64(data))
	case dtypes.Int64:
		return float64(int64(order.Uint64(data)))
	case dtypes.Float64:
		return math.Float64frombits(order.Uint64(data))
	}
	return 0
}

func encodeFloat64(dtype dtypes.DType, data []byte, v float64) {
	order := binary.NativeEndian
	switch dtype {
	case dtypes.Bool:
		data[0] = 0
		if v != 0 {
			data[0] = 1
		}
	case dtypes.Uint8:
		data[0] = uint8(v)
	case dtypes.Int8:
		data[0] = uint8(int8(v))
	case dtypes.Uint16:
		order.PutUint16(data, uint16(v))
	case dtypes.Int16:
		order.PutUint16(data, uint16(int16(v)))
	case dtypes.Float16:
		order.PutUint16(data, float16.Fromfloat32(float32(v)).Bits())
	case dtypes.Uint32:
		order.PutUint32(data, uint32(v))
	case dtypes.Int32:
		order.PutUint32(data, uint32(int32(v)))
	case dtypes.Float32:
		order.PutUint32(data, math.Float32bits(float32(v)))
	case dtypes.Uint64:
		order.PutUint64(data, uint64(v))
	case dtypes.Int64:
		order.PutUint64(data, uint64(int64(v)))
	case dtypes.Float64:
		order.PutUint64(data, math.Float64bits(v))
	}
}
