// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	in := []int{1, 2, 3, 4, 5, 6, 7}
	square := func(x int) string { return strconv.Itoa(x * x) }
	want := []string{"1", "4", "9", "16", "25", "36", "49"}
	assert.Equal(t, want, Map(in, square))
	assert.Equal(t, want, MapParallel(in, square))
	assert.Empty(t, MapParallel([]int{}, square))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 0, "a": 1, "b": 2}))
}

func TestSliceFlag(t *testing.T) {
	f := &sliceFlag[int]{parsedSlice: []int{0}, parserFn: strconv.Atoi}
	assert.Equal(t, "0", f.String())
	require.NoError(t, f.Set("1, 2,3"))
	assert.Equal(t, []int{1, 2, 3}, f.parsedSlice)
	assert.Equal(t, "1,2,3", f.String())
	require.NoError(t, f.Set(""))
	assert.Empty(t, f.parsedSlice)
	require.Error(t, f.Set("1,x"))
}
