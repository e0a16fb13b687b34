// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import "fmt"

// MemoryKind is where the content of a tensor or buffer lives.
type MemoryKind int

const (
	// HostMemory is regular CPU memory.
	HostMemory MemoryKind = iota

	// PinnedHostMemory is page-locked CPU memory, usable directly by devices.
	PinnedHostMemory

	// DeviceMemory is the memory of an accelerator, identified by Placement.DeviceID.
	DeviceMemory
)

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	switch k {
	case HostMemory:
		return "host"
	case PinnedHostMemory:
		return "pinned"
	case DeviceMemory:
		return "device"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// Placement is the residency of some memory: its kind and, for DeviceMemory, the device id.
type Placement struct {
	Memory   MemoryKind
	DeviceID int
}

// Host is the placement of regular CPU memory.
var Host = Placement{Memory: HostMemory}

// OnDevice returns the placement in the memory of the given device.
func OnDevice(deviceID int) Placement {
	return Placement{Memory: DeviceMemory, DeviceID: deviceID}
}

// IsHost returns whether the memory is directly addressable from the CPU.
func (p Placement) IsHost() bool {
	return p.Memory != DeviceMemory
}

// String implements fmt.Stringer.
func (p Placement) String() string {
	if p.Memory == DeviceMemory {
		return fmt.Sprintf("device:%d", p.DeviceID)
	}
	return p.Memory.String()
}

// Buffer is a region of memory, exchanged with the host server for request inputs and response outputs.
type Buffer struct {
	Data []byte
	Placement
}

// HostBuffer returns a Buffer in host memory wrapping data.
func HostBuffer(data []byte) Buffer {
	return Buffer{Data: data, Placement: Host}
}

// Len returns the size of the region in bytes.
func (b Buffer) Len() int { return len(b.Data) }

// Slice returns the sub-region [from, to) with the same placement.
func (b Buffer) Slice(from, to int64) Buffer {
	return Buffer{Data: b.Data[from:to], Placement: b.Placement}
}
