// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/core/tensors"
)

// HostCopier is a Copier for buffers that are all in host memory: copies are done immediately.
type HostCopier struct{}

var _ Copier = HostCopier{}

// Copy implements Copier. It fails if either buffer is in device memory.
func (HostCopier) Copy(dst, src tensors.Buffer) (pending bool, err error) {
	if !dst.IsHost() || !src.IsHost() {
		return false, errors.Errorf("host copier cannot copy from %s to %s memory", src.Placement, dst.Placement)
	}
	if dst.Len() != src.Len() {
		return false, errors.Errorf("copy of %d bytes to a buffer of %d bytes", src.Len(), dst.Len())
	}
	copy(dst.Data, src.Data)
	return false, nil
}

// Synchronize implements Copier.
func (HostCopier) Synchronize() {}

// hostContent returns the content of the input as a contiguous host slice, copying it if it
// is split across several buffers or in device memory.
func hostContent(input RequestInput, copier Copier) ([]byte, error) {
	count := input.BufferCount()
	if count == 1 {
		if buf := input.Buffer(0); buf.IsHost() {
			return buf.Data, nil
		}
	}
	total := 0
	for ii := range count {
		total += input.Buffer(ii).Len()
	}
	content := make([]byte, total)
	var offset int64
	var pending bool
	for ii := range count {
		src := input.Buffer(ii)
		dst := tensors.HostBuffer(content).Slice(offset, offset+int64(src.Len()))
		p, err := copier.Copy(dst, src)
		if err != nil {
			return nil, errors.WithMessagef(err, "copying buffer %d of input '%s' to host", ii, input.Name())
		}
		pending = pending || p
		offset += int64(src.Len())
	}
	if pending {
		copier.Synchronize()
	}
	return content, nil
}
