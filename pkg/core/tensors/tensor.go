// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a named multidimensional array exchanged with the execution
// engine, and `Buffer`, a region of memory exchanged with the host server.
//
// A Tensor is defined by its name, its shape (a data type and its axes' dimensions), its content
// and its Placement (host memory, or the memory of a given device).
//
// Fixed-size dtypes store their content as a flat byte slice in native byte order. String tensors
// store one byte slice per element; when exchanged with the host server they are serialized with
// a length-prefixed encoding (see EncodeStrings and DecodeStrings).
//
// There are various ways to construct a Tensor:
//
//   - New(name, shape, placement): creates a zero-filled tensor.
//   - FromFlatDataAndDimensions[T](name, data []T, dimensions...): creates a host tensor from flat Go values.
//   - FromStrings(name, elements, dimensions...): creates a host String tensor.
package tensors

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
)

// Tensor is a named multidimensional array with a concrete shape (no wildcards).
//
// It is safe for concurrent use: content accessors take a lock.
type Tensor struct {
	mu        sync.Mutex
	name      string
	shape     shapes.Shape
	placement Placement

	// flat holds the content for fixed-size dtypes.
	flat []byte

	// elements holds the content for String tensors.
	elements [][]byte
}

// New creates a zero-filled tensor (or a tensor of empty strings) with the given shape.
//
// It returns an error if the shape has wildcards or an invalid dtype.
func New(name string, shape shapes.Shape, placement Placement) (*Tensor, error) {
	if !shape.DType.IsValid() {
		return nil, errors.Errorf("cannot create tensor %q with invalid dtype %s", name, shape.DType)
	}
	size := shape.Size()
	if size < 0 {
		return nil, errors.Errorf("cannot create tensor %q with non-concrete shape %s", name, shape)
	}
	t := &Tensor{name: name, shape: shape.Clone(), placement: placement}
	if shape.DType.IsVariableSize() {
		t.elements = make([][]byte, size)
	} else {
		t.flat = make([]byte, shape.DType.SizeForElements(size))
	}
	return t, nil
}

// MustNew is like New, but panics on error.
func MustNew(name string, shape shapes.Shape, placement Placement) *Tensor {
	t, err := New(name, shape, placement)
	if err != nil {
		panic(err)
	}
	return t
}

// Name of the tensor, as known by the execution engine.
func (t *Tensor) Name() string { return t.name }

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() shapes.Shape { return t.shape.Clone() }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements.
func (t *Tensor) Size() int64 { return t.shape.Size() }

// Placement of the tensor content.
func (t *Tensor) Placement() Placement { return t.placement }

// ByteSize returns the number of bytes of the content. For String tensors it is the size of
// the length-prefixed serialization.
func (t *Tensor) ByteSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shape.DType.IsVariableSize() {
		return int64(StringsByteSize(t.elements))
	}
	return int64(len(t.flat))
}

// Buffer returns the memory region holding the content of a fixed-size dtype tensor.
// The region is shared with the tensor: writes to it change the tensor.
//
// It returns an error for String tensors, which are not stored contiguously, and for tensors
// without a valid dtype.
func (t *Tensor) Buffer() (Buffer, error) {
	if !t.shape.DType.IsValid() {
		return Buffer{}, errors.Errorf("tensor %q has an invalid dtype %s", t.name, t.shape.DType)
	}
	if t.shape.DType.IsVariableSize() {
		return Buffer{}, errors.Errorf("tensor %q of dtype %s has no contiguous buffer", t.name, t.shape.DType)
	}
	return Buffer{Data: t.flat, Placement: t.placement}, nil
}

// ConstBytes calls accessFn with the flat content of a fixed-size dtype tensor.
// accessFn must not modify or keep a reference to data.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) error {
	return t.MutableBytes(accessFn)
}

// MutableBytes calls accessFn with the flat content of a fixed-size dtype tensor, which it may modify.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) error {
	if t.shape.DType.IsVariableSize() {
		return errors.Errorf("tensor %q of dtype %s has no flat byte content", t.name, t.shape.DType)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
	return nil
}

// StringAt returns the element at the flat index of a String tensor.
// The returned slice is shared with the tensor.
func (t *Tensor) StringAt(index int64) ([]byte, error) {
	if err := t.checkStringIndex(index); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elements[index], nil
}

// SetString sets the element at the flat index of a String tensor. The value is copied.
func (t *Tensor) SetString(index int64, value []byte) error {
	if err := t.checkStringIndex(index); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elements[index] = append([]byte{}, value...)
	return nil
}

// Strings returns a copy of the list of elements of a String tensor.
func (t *Tensor) Strings() ([][]byte, error) {
	if t.shape.DType != dtypes.String {
		return nil, errors.Errorf("tensor %q has dtype %s, not String", t.name, t.shape.DType)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	elements := make([][]byte, len(t.elements))
	copy(elements, t.elements)
	return elements, nil
}

func (t *Tensor) checkStringIndex(index int64) error {
	if t.shape.DType != dtypes.String {
		return errors.Errorf("tensor %q has dtype %s, not String", t.name, t.shape.DType)
	}
	if index < 0 || index >= int64(len(t.elements)) {
		return errors.Errorf("index %d out of range for tensor %q with %d elements", index, t.name, len(t.elements))
	}
	return nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%q, %s, %s)", t.name, t.shape, t.placement)
}
