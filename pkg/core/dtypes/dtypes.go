// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes defines the DType enum for the element types that can flow between the serving
// protocol and the execution engine.
//
// Each DType has three names:
//
//   - The Go name returned by String, e.g. "Float32".
//   - The configuration name used in model configurations, e.g. "TYPE_FP32" (see ConfigName and FromConfigName).
//   - The wire name used by the inference protocol, e.g. "FP32" (see WireName and FromWireName).
//
// String (a.k.a. BYTES) is variable-length: each element is an arbitrary byte sequence, and it
// has no fixed element size.
package dtypes

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the element type of a tensor.
type DType int32

const (
	// InvalidDType is the zero value, and it is never compatible with anything.
	InvalidDType DType = iota
	Bool
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float16
	Float32
	Float64

	// String elements are variable-length byte sequences.
	String
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

type dtypeInfo struct {
	goName, configName, wireName string
	goType                       reflect.Type
}

var (
	float16Type = reflect.TypeOf(float16.Float16(0))

	infos = map[DType]dtypeInfo{
		InvalidDType: {"InvalidDType", "TYPE_INVALID", "INVALID", nil},
		Bool:         {"Bool", "TYPE_BOOL", "BOOL", reflect.TypeOf(false)},
		Uint8:        {"Uint8", "TYPE_UINT8", "UINT8", reflect.TypeOf(uint8(0))},
		Uint16:       {"Uint16", "TYPE_UINT16", "UINT16", reflect.TypeOf(uint16(0))},
		Uint32:       {"Uint32", "TYPE_UINT32", "UINT32", reflect.TypeOf(uint32(0))},
		Uint64:       {"Uint64", "TYPE_UINT64", "UINT64", reflect.TypeOf(uint64(0))},
		Int8:         {"Int8", "TYPE_INT8", "INT8", reflect.TypeOf(int8(0))},
		Int16:        {"Int16", "TYPE_INT16", "INT16", reflect.TypeOf(int16(0))},
		Int32:        {"Int32", "TYPE_INT32", "INT32", reflect.TypeOf(int32(0))},
		Int64:        {"Int64", "TYPE_INT64", "INT64", reflect.TypeOf(int64(0))},
		Float16:      {"Float16", "TYPE_FP16", "FP16", float16Type},
		Float32:      {"Float32", "TYPE_FP32", "FP32", reflect.TypeOf(float32(0))},
		Float64:      {"Float64", "TYPE_FP64", "FP64", reflect.TypeOf(float64(0))},
		String:       {"String", "TYPE_STRING", "BYTES", reflect.TypeOf([]byte(nil))},
	}

	configNames = make(map[string]DType, len(infos))
	wireNames   = make(map[string]DType, len(infos))
)

func init() {
	for dtype, info := range infos {
		if dtype == InvalidDType {
			continue
		}
		configNames[info.configName] = dtype
		wireNames[info.wireName] = dtype
	}
}

// All returns all valid dtypes, in enum order.
func All() []DType {
	all := make([]DType, 0, len(infos)-1)
	for dtype := Bool; dtype <= String; dtype++ {
		all = append(all, dtype)
	}
	return all
}

// IsValid returns whether dtype is one of the known, valid, types.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && dtype <= String
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if info, found := infos[dtype]; found {
		return info.goName
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// ConfigName returns the name used in model configurations, e.g. "TYPE_FP32".
func (dtype DType) ConfigName() string {
	if info, found := infos[dtype]; found {
		return info.configName
	}
	return "TYPE_INVALID"
}

// WireName returns the name used by the inference protocol, e.g. "FP32" or "BYTES".
func (dtype DType) WireName() string {
	if info, found := infos[dtype]; found {
		return info.wireName
	}
	return "INVALID"
}

// FromConfigName maps a configuration type name ("TYPE_INT32") to a DType.
// It returns InvalidDType for "TYPE_INVALID" or any unknown name.
func FromConfigName(name string) DType {
	return configNames[strings.TrimSpace(name)]
}

// FromWireName maps a protocol type name ("INT32", "BYTES") to a DType.
// It returns InvalidDType for unknown names.
func FromWireName(name string) DType {
	return wireNames[strings.ToUpper(strings.TrimSpace(name))]
}

// IsVariableSize returns true for dtypes whose elements don't have a fixed byte size (String).
func (dtype DType) IsVariableSize() bool {
	return dtype == String
}

// Size returns the number of bytes of one element of the given DType.
// It returns 0 for String and InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Uint8, Int8:
		return 1
	case Uint16, Int16, Float16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// SizeForElements returns the number of bytes used by numElements of dtype.
// It panics for variable-size dtypes.
func (dtype DType) SizeForElements(numElements int64) int64 {
	if dtype.IsVariableSize() || !dtype.IsValid() {
		panicf("dtype %s has no fixed element size", dtype)
	}
	return numElements * int64(dtype.Size())
}

// GoType returns the Go reflect.Type corresponding to dtype. For String it is []byte.
// It returns nil for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	return infos[dtype].goType
}

// FromGoType returns the DType for the given Go type, or InvalidDType if it doesn't map to any.
func FromGoType(t reflect.Type) DType {
	if t == nil {
		return InvalidDType
	}
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.String:
		return String
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return String
		}
	}
	return InvalidDType
}

// FromAny introspects the underlying type of value and returns the corresponding DType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}
