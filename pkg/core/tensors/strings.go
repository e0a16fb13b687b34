// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
)

// StringLengthPrefixSize is the size of the length header that precedes each element in the
// serialized form of a String tensor.
const StringLengthPrefixSize = 4

// StringsByteSize returns the size of the serialization of elements.
func StringsByteSize(elements [][]byte) int {
	size := len(elements) * StringLengthPrefixSize
	for _, element := range elements {
		size += len(element)
	}
	return size
}

// AppendString appends the serialization of one element to buf: a 4-byte unsigned length in
// native byte order followed by the raw bytes, with no terminator.
func AppendString(buf, element []byte) []byte {
	buf = binary.NativeEndian.AppendUint32(buf, uint32(len(element)))
	return append(buf, element...)
}

// EncodeStrings serializes elements with the length-prefixed encoding.
func EncodeStrings(elements [][]byte) []byte {
	buf := make([]byte, 0, StringsByteSize(elements))
	for _, element := range elements {
		buf = AppendString(buf, element)
	}
	return buf
}

// DecodeStrings parses exactly expected length-prefixed elements from data, which holds the
// content of the input named inputName (only used for error messages).
//
// On error it also returns the elements successfully parsed before the problem was found, so
// callers can place them and pad the remainder.
// The returned elements are sub-slices of data.
func DecodeStrings(inputName string, data []byte, expected int64) ([][]byte, error) {
	elements := make([][]byte, 0, max(expected, 0))
	for len(data) > 0 {
		if int64(len(elements)) >= expected {
			return elements, errors.Errorf(
				"unexpected number of string elements %d for inference input '%s', expecting %d",
				int64(len(elements))+1, inputName, expected)
		}
		if len(data) < StringLengthPrefixSize {
			return elements, errors.Errorf(
				"incomplete string length for inference input '%s', expecting %d bytes but only %d bytes available",
				inputName, StringLengthPrefixSize, len(data))
		}
		length := binary.NativeEndian.Uint32(data)
		data = data[StringLengthPrefixSize:]
		if uint64(length) > uint64(len(data)) {
			return elements, errors.Errorf(
				"incomplete string data for inference input '%s', expecting string of length %d but only %d bytes available",
				inputName, length, len(data))
		}
		elements = append(elements, data[:length:length])
		data = data[length:]
	}
	if int64(len(elements)) != expected {
		return elements, errors.Errorf("expected %d strings for inference input '%s', got %d",
			expected, inputName, len(elements))
	}
	return elements, nil
}

// FromStrings creates a host String tensor with the given elements and dimensions.
// The number of elements must match the dimensions.
func FromStrings(name string, elements [][]byte, dimensions ...int64) (*Tensor, error) {
	shape := shapes.Make(dtypes.String, dimensions...)
	if shape.Size() != int64(len(elements)) {
		return nil, errors.Errorf("tensor %q: %d elements given for shape %s", name, len(elements), shape)
	}
	t, err := New(name, shape, Host)
	if err != nil {
		return nil, err
	}
	for ii, element := range elements {
		t.elements[ii] = append([]byte{}, element...)
	}
	return t, nil
}
