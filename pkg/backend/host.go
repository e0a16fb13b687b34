// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
)

// Request is an inference request given by the host server.
//
// A Request is owned by the host: the backend only reads it, creates one response for it and
// releases it at the end of the execution cycle.
type Request interface {
	// ID of the request, only used for logging and statistics.
	ID() string

	// InputCount returns the number of inputs of the request.
	InputCount() int

	// InputName returns the name of the input at index.
	InputName(index int) (string, error)

	// Input returns the input with the given name.
	Input(name string) (RequestInput, error)

	// RequestedOutputNames returns the names of the outputs the request asked for.
	RequestedOutputNames() []string

	// NewResponse creates the response for the request.
	NewResponse() (Response, error)

	// Release the request resources. Called once, after its response was sent.
	Release()
}

// RequestInput is one named input tensor of a request. Its content may be split across
// several buffers, each in host or device memory.
type RequestInput interface {
	Name() string
	DType() dtypes.DType

	// Shape of the input, including the batch dimension if the model supports batching.
	Shape() []int64

	BufferCount() int
	Buffer(index int) tensors.Buffer
}

// Response to one request. It is sent exactly once, either with outputs or with an error.
type Response interface {
	// NewOutput creates an output tensor in the response and returns the buffer of byteSize
	// bytes to fill it. The host decides the placement of the buffer.
	NewOutput(name string, dtype dtypes.DType, shape []int64, byteSize int64) (tensors.Buffer, error)

	// Send finalizes the response. If err is not nil, the response fails with it.
	// It returns an error if the response could not be delivered.
	Send(err error) error
}

// Copier moves bytes between host or device memory regions of the same size.
//
// A copy can be asynchronous (pending): its data is only guaranteed to be in place after
// the next call to Synchronize.
type Copier interface {
	Copy(dst, src tensors.Buffer) (pending bool, err error)
	Synchronize()
}
