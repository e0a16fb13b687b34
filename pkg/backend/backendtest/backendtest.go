// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backendtest implements in memory the host server interfaces consumed by the backend:
// requests, responses, a copier and a statistics recorder. It is used by tests and by the
// tfbridge_check tool to replay synthetic requests.
package backendtest

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/backend"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
)

// Input implements backend.RequestInput.
type Input struct {
	name    string
	dtype   dtypes.DType
	shape   []int64
	buffers []tensors.Buffer
}

var _ backend.RequestInput = (*Input)(nil)

// NewInput creates an input with the given raw buffers.
func NewInput(name string, dtype dtypes.DType, shape []int64, buffers ...tensors.Buffer) *Input {
	return &Input{name: name, dtype: dtype, shape: slices.Clone(shape), buffers: buffers}
}

// ValuesInput creates an input in host memory holding values.
func ValuesInput[T tensors.Supported](name string, shape []int64, values []T) (*Input, error) {
	t, err := tensors.FromFlatDataAndDimensions(name, values, shape...)
	if err != nil {
		return nil, err
	}
	buf, err := t.Buffer()
	if err != nil {
		return nil, err
	}
	return NewInput(name, t.DType(), shape, buf), nil
}

// StringsInput creates a String input in host memory, with the length-prefixed encoding.
func StringsInput(name string, shape []int64, elements ...string) *Input {
	encoded := make([][]byte, len(elements))
	for ii, e := range elements {
		encoded[ii] = []byte(e)
	}
	return NewInput(name, dtypes.String, shape, tensors.HostBuffer(tensors.EncodeStrings(encoded)))
}

// Split returns a copy of the input with its content split into buffers of at most chunk bytes.
func (in *Input) Split(chunk int) *Input {
	var data []byte
	for _, buf := range in.buffers {
		data = append(data, buf.Data...)
	}
	placement := tensors.Host
	if len(in.buffers) > 0 {
		placement = in.buffers[0].Placement
	}
	split := NewInput(in.name, in.dtype, in.shape)
	for start := 0; start < len(data); start += chunk {
		end := min(start+chunk, len(data))
		split.buffers = append(split.buffers, tensors.Buffer{Data: data[start:end], Placement: placement})
	}
	return split
}

// OnDevice returns a copy of the input with its buffers marked as device memory.
func (in *Input) OnDevice(deviceID int) *Input {
	moved := NewInput(in.name, in.dtype, in.shape)
	for _, buf := range in.buffers {
		moved.buffers = append(moved.buffers, tensors.Buffer{Data: buf.Data, Placement: tensors.OnDevice(deviceID)})
	}
	return moved
}

// Name implements backend.RequestInput.
func (in *Input) Name() string { return in.name }

// DType implements backend.RequestInput.
func (in *Input) DType() dtypes.DType { return in.dtype }

// Shape implements backend.RequestInput.
func (in *Input) Shape() []int64 { return slices.Clone(in.shape) }

// BufferCount implements backend.RequestInput.
func (in *Input) BufferCount() int { return len(in.buffers) }

// Buffer implements backend.RequestInput.
func (in *Input) Buffer(index int) tensors.Buffer { return in.buffers[index] }

// Request implements backend.Request.
type Request struct {
	id        string
	inputs    []*Input
	requested []string

	// NewResponseErr, if set, makes NewResponse fail.
	NewResponseErr error

	// ResponsePlacement is the placement of the output buffers of the response.
	ResponsePlacement tensors.Placement

	mu       sync.Mutex
	response *Response
	released int
}

var _ backend.Request = (*Request)(nil)

// NewRequest creates a request with a random ID, asking for the given outputs.
func NewRequest(requestedOutputs []string, inputs ...*Input) *Request {
	return &Request{id: uuid.NewString(), inputs: inputs, requested: slices.Clone(requestedOutputs)}
}

// ID implements backend.Request.
func (r *Request) ID() string { return r.id }

// InputCount implements backend.Request.
func (r *Request) InputCount() int { return len(r.inputs) }

// InputName implements backend.Request.
func (r *Request) InputName(index int) (string, error) {
	if index < 0 || index >= len(r.inputs) {
		return "", errors.Errorf("request %s has no input #%d", r.id, index)
	}
	return r.inputs[index].name, nil
}

// Input implements backend.Request.
func (r *Request) Input(name string) (backend.RequestInput, error) {
	for _, in := range r.inputs {
		if in.name == name {
			return in, nil
		}
	}
	return nil, errors.Errorf("input '%s' not found in request %s", name, r.id)
}

// RequestedOutputNames implements backend.Request.
func (r *Request) RequestedOutputNames() []string { return slices.Clone(r.requested) }

// NewResponse implements backend.Request.
func (r *Request) NewResponse() (backend.Response, error) {
	if r.NewResponseErr != nil {
		return nil, r.NewResponseErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.response != nil {
		return nil, errors.Errorf("request %s already has a response", r.id)
	}
	r.response = &Response{placement: r.ResponsePlacement, outputs: make(map[string]*Output)}
	return r.response, nil
}

// Release implements backend.Request.
func (r *Request) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

// Released returns how many times the request was released.
func (r *Request) Released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Response returns the response created for the request, or nil.
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// Output is one output tensor of a Response.
type Output struct {
	Name  string
	DType dtypes.DType
	Shape []int64
	Data  []byte
}

// Tensor returns the output as a host tensor.
func (o *Output) Tensor() (*tensors.Tensor, error) {
	if o.DType == dtypes.String {
		elements, err := tensors.DecodeStrings(o.Name, o.Data, shapes.ElementCount(o.Shape))
		if err != nil {
			return nil, err
		}
		return tensors.FromStrings(o.Name, elements, o.Shape...)
	}
	t, err := tensors.New(o.Name, shapes.Make(o.DType, o.Shape...), tensors.Host)
	if err != nil {
		return nil, err
	}
	var sizeErr error
	err = t.MutableBytes(func(data []byte) {
		if len(data) != len(o.Data) {
			sizeErr = errors.Errorf("output '%s' has %d bytes, expected %d", o.Name, len(o.Data), len(data))
			return
		}
		copy(data, o.Data)
	})
	if err != nil {
		return nil, err
	}
	return t, sizeErr
}

// Float64s returns the values of a numeric output.
func (o *Output) Float64s() ([]float64, error) {
	t, err := o.Tensor()
	if err != nil {
		return nil, err
	}
	return t.Float64s()
}

// Strings returns the elements of a String output.
func (o *Output) Strings() ([]string, error) {
	elements, err := tensors.DecodeStrings(o.Name, o.Data, shapes.ElementCount(o.Shape))
	if err != nil {
		return nil, err
	}
	result := make([]string, len(elements))
	for ii, e := range elements {
		result[ii] = string(e)
	}
	return result, nil
}

// Response implements backend.Response.
type Response struct {
	placement tensors.Placement

	// SendErr, if set, is returned by Send.
	SendErr error

	mu        sync.Mutex
	outputs   map[string]*Output
	sendCount int
	err       error
}

var _ backend.Response = (*Response)(nil)

// NewOutput implements backend.Response.
func (r *Response) NewOutput(name string, dtype dtypes.DType, shape []int64, byteSize int64) (tensors.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendCount > 0 {
		return tensors.Buffer{}, errors.Errorf("response already sent, cannot add output '%s'", name)
	}
	if _, found := r.outputs[name]; found {
		return tensors.Buffer{}, errors.Errorf("response already has output '%s'", name)
	}
	out := &Output{Name: name, DType: dtype, Shape: slices.Clone(shape), Data: make([]byte, byteSize)}
	r.outputs[name] = out
	return tensors.Buffer{Data: out.Data, Placement: r.placement}, nil
}

// Send implements backend.Response.
func (r *Response) Send(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendCount++
	if r.sendCount > 1 {
		return errors.New("response sent more than once")
	}
	r.err = err
	return r.SendErr
}

// SendCount returns how many times the response was sent.
func (r *Response) SendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendCount
}

// Err returns the error the response was sent with.
func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Output returns the output with the given name, or nil.
func (r *Response) Output(name string) *Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[name]
}

// OutputNames returns the sorted names of the outputs of the response.
func (r *Response) OutputNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.outputs))
	for name := range r.outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
