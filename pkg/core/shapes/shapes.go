// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype plus the dimensions of a tensor, and the rules to
// compare shapes declared by a model configuration against the shapes reported by a model.
//
// A dimension equal to WildcardDim means "any size": it is used by models to mark the batch
// dimension and axes whose size is only known at request time.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
)

// WildcardDim is the dimension value meaning "variable/unknown at configuration time".
const WildcardDim int64 = -1

// Shape of a tensor: its dtype and its dimensions.
//
// For shapes reported by a model signature, a rank of 0 means the rank is unknown.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int64
}

// Make returns a Shape with the given dtype and dimensions. The dimensions slice is copied.
func Make(dtype dtypes.DType, dimensions ...int64) Shape {
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int64 {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		panic(fmt.Sprintf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s))
	}
	return s.Dimensions[adjusted]
}

// HasWildcard returns whether any of the dimensions is WildcardDim.
func (s Shape) HasWildcard() bool {
	return slices.Contains(s.Dimensions, WildcardDim)
}

// Size returns the number of elements: the product of the dimensions.
// It returns -1 if any of the dimensions is a wildcard.
func (s Shape) Size() int64 {
	return ElementCount(s.Dimensions)
}

// Memory returns the number of bytes needed to hold the elements of the shape.
// It returns -1 if the shape has wildcards or the dtype is variable-size.
func (s Shape) Memory() int64 {
	size := s.Size()
	if size < 0 || s.DType.IsVariableSize() {
		return -1
	}
	return s.DType.SizeForElements(size)
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	return Make(s.DType, s.Dimensions...)
}

// WithBatchDim returns a copy of the shape with the leading dimension replaced by batchSize.
// It panics on a rank 0 shape.
func (s Shape) WithBatchDim(batchSize int64) Shape {
	if s.Rank() == 0 {
		panic(fmt.Sprintf("Shape.WithBatchDim(%d) on a scalar shape %s", batchSize, s))
	}
	s2 := s.Clone()
	s2.Dimensions[0] = batchSize
	return s2
}

// String implements fmt.Stringer, e.g. "(Float32)[-1,16]".
func (s Shape) String() string {
	return fmt.Sprintf("(%s)%s", s.DType, DimsString(s.Dimensions))
}

// DimsString formats dimensions the way they are written in model configurations, e.g. "[-1,16]".
func DimsString(dims []int64) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		parts[ii] = strconv.FormatInt(dim, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ElementCount returns the product of dims, or -1 if any of them is a wildcard (negative).
// The element count of an empty dims list is 1.
func ElementCount(dims []int64) int64 {
	count := int64(1)
	for _, dim := range dims {
		if dim < 0 {
			return -1
		}
		count *= dim
	}
	return count
}

// ResolveWildcard returns a copy of dims with its wildcard dimension set so that the total
// element count is elements. Dims without wildcards are returned as they are.
//
// It returns false if dims has more than one wildcard, or if elements is not a multiple of the
// product of the fixed dimensions.
func ResolveWildcard(dims []int64, elements int64) ([]int64, bool) {
	resolved := append([]int64(nil), dims...)
	wildcard := -1
	fixed := int64(1)
	for axis, dim := range dims {
		if dim < 0 {
			if wildcard >= 0 {
				return nil, false
			}
			wildcard = axis
			continue
		}
		fixed *= dim
	}
	if wildcard < 0 {
		return resolved, true
	}
	if elements < 0 || (fixed == 0 && elements != 0) || (fixed > 0 && elements%fixed != 0) {
		return nil, false
	}
	if fixed == 0 {
		resolved[wildcard] = 0
	} else {
		resolved[wildcard] = elements / fixed
	}
	return resolved, true
}
