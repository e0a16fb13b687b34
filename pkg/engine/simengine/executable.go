// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simengine

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
	"github.com/tfbridge/tfbridge/pkg/engine"
)

// Executable implements engine.Executable for a simulated model.
type Executable struct {
	engine    *Engine
	name      string
	format    engine.Format
	options   engine.LoadOptions
	model     *Model
	inputs    []engine.TensorDescriptor
	outputs   []engine.TensorDescriptor
	programs  map[string]TensorSpec // by in-model name
	finalized atomic.Bool
	runs      atomic.Int64
}

var _ engine.Executable = (*Executable)(nil)

func newExecutable(e *Engine, name string, format engine.Format, options engine.LoadOptions, model *Model) (*Executable, error) {
	exec := &Executable{
		engine:   e,
		name:     name,
		format:   format,
		options:  options,
		model:    model,
		programs: make(map[string]TensorSpec, len(model.Outputs)),
	}
	for _, spec := range model.Inputs {
		d, err := spec.descriptor(format)
		if err != nil {
			return nil, errors.WithMessagef(err, "simengine: model %q input", name)
		}
		exec.inputs = append(exec.inputs, d)
	}
	for _, spec := range model.Outputs {
		d, err := spec.descriptor(format)
		if err != nil {
			return nil, errors.WithMessagef(err, "simengine: model %q output", name)
		}
		exec.outputs = append(exec.outputs, d)
		exec.programs[d.InModelName] = spec
	}
	return exec, nil
}

// Format implements engine.Executable.
func (x *Executable) Format() engine.Format { return x.format }

// Device implements engine.Executable.
func (x *Executable) Device() engine.DeviceNum { return x.options.Device }

// Options returns the options used to load the model.
func (x *Executable) Options() engine.LoadOptions { return x.options }

// NumRuns returns the number of calls to Execute.
func (x *Executable) NumRuns() int { return int(x.runs.Load()) }

// Inputs implements engine.Executable.
func (x *Executable) Inputs() []engine.TensorDescriptor {
	return append([]engine.TensorDescriptor(nil), x.inputs...)
}

// Outputs implements engine.Executable.
func (x *Executable) Outputs() []engine.TensorDescriptor {
	return append([]engine.TensorDescriptor(nil), x.outputs...)
}

// NewTensor implements engine.Executable.
func (x *Executable) NewTensor(inModelName string, shape shapes.Shape, placement tensors.Placement) (*tensors.Tensor, error) {
	if x.finalized.Load() {
		return nil, errors.Errorf("simengine: model %q already finalized", x.name)
	}
	if x.model.MaxAllocBytes > 0 {
		size := shape.Memory()
		if shape.DType.IsVariableSize() {
			size = shape.Size() * tensors.StringLengthPrefixSize
		}
		if size > x.model.MaxAllocBytes {
			return nil, errors.Errorf("OOM when allocating tensor %q with shape %s: %d bytes requested, %d available",
				inModelName, shape, size, x.model.MaxAllocBytes)
		}
	}
	return tensors.New(inModelName, shape, placement)
}

// Finalize implements engine.Executable.
func (x *Executable) Finalize() {
	if x.finalized.Swap(true) {
		return
	}
	x.engine.release(x)
}

func (x *Executable) outputPlacement() tensors.Placement {
	if x.options.Device >= 0 {
		return tensors.OnDevice(int(x.options.Device))
	}
	return tensors.Host
}

// Execute implements engine.Executable.
//
// Programs are evaluated with panics for errors, converted to the returned error.
func (x *Executable) Execute(inputs []*tensors.Tensor, outputNames []string) (outputs []*tensors.Tensor, err error) {
	x.runs.Add(1)
	err = exceptions.TryCatch[error](func() {
		if x.finalized.Load() {
			exceptions.Panicf("simengine: model %q already finalized", x.name)
		}
		if x.model.Fail != "" {
			panic(errors.New(x.model.Fail))
		}
		byName := make(map[string]*tensors.Tensor, len(inputs))
		for _, input := range inputs {
			byName[input.Name()] = input
		}
		outputs = make([]*tensors.Tensor, 0, len(outputNames))
		for _, name := range outputNames {
			spec, found := x.programs[name]
			if !found {
				exceptions.Panicf("simengine: model %q has no output %q", x.name, name)
			}
			outputs = append(outputs, x.run(spec, byName, inputs))
		}
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func (x *Executable) argument(spec TensorSpec, idx int, byName map[string]*tensors.Tensor) *tensors.Tensor {
	if idx >= len(spec.Args) {
		exceptions.Panicf("simengine: output %q needs at least %d arguments", spec.Name, idx+1)
	}
	t, found := byName[spec.Args[idx]]
	if !found {
		exceptions.Panicf("simengine: input %q required by output %q was not fed", spec.Args[idx], spec.Name)
	}
	return t
}

func (x *Executable) outputDType(spec TensorSpec, fallback dtypes.DType) dtypes.DType {
	if dtype := dtypes.FromWireName(spec.DType); dtype != dtypes.InvalidDType {
		return dtype
	}
	return fallback
}

func (x *Executable) run(spec TensorSpec, byName map[string]*tensors.Tensor, inputs []*tensors.Tensor) *tensors.Tensor {
	switch spec.Op {
	case OpIdentity, "":
		src := x.argument(spec, 0, byName)
		shape := src.Shape()
		shape.DType = x.outputDType(spec, src.DType())
		dst := must.M1(tensors.New(spec.inModelName(), shape, x.outputPlacement()))
		copyConverting(dst, src)
		return dst

	case OpSum:
		first := x.argument(spec, 0, byName)
		sum := make([]float64, first.Size())
		for ii := range spec.Args {
			arg := x.argument(spec, ii, byName)
			if !arg.Shape().Equal(first.Shape()) && arg.Size() != first.Size() {
				exceptions.Panicf("simengine: output %q: incompatible shapes %s and %s", spec.Name, first.Shape(), arg.Shape())
			}
			for jj, v := range must.M1(arg.Float64s()) {
				sum[jj] += v
			}
		}
		shape := first.Shape()
		shape.DType = x.outputDType(spec, first.DType())
		dst := must.M1(tensors.New(spec.inModelName(), shape, x.outputPlacement()))
		must.M(dst.SetFloat64s(sum))
		return dst

	case OpFill:
		dims := append([]int64(nil), spec.Shape...)
		for ii, dim := range dims {
			if dim != shapes.WildcardDim {
				continue
			}
			dims[ii] = 1
			if ii == 0 && len(inputs) > 0 && inputs[0].Shape().Rank() > 0 {
				dims[ii] = inputs[0].Shape().Dim(0)
			}
		}
		dst := must.M1(tensors.New(spec.inModelName(), shapes.Make(x.outputDType(spec, dtypes.Float32), dims...), x.outputPlacement()))
		if dst.DType() == dtypes.String {
			value := []byte(spec.Name)
			for ii := range dst.Size() {
				must.M(dst.SetString(ii, value))
			}
			return dst
		}
		values := make([]float64, dst.Size())
		for ii := range values {
			values[ii] = spec.Value
		}
		must.M(dst.SetFloat64s(values))
		return dst
	}
	exceptions.Panicf("simengine: output %q has unknown op %q", spec.Name, spec.Op)
	return nil
}

func copyConverting(dst, src *tensors.Tensor) {
	switch {
	case dst.DType() == dtypes.String && src.DType() == dtypes.String:
		for ii, element := range must.M1(src.Strings()) {
			must.M(dst.SetString(int64(ii), element))
		}
	case dst.DType() == dtypes.String || src.DType() == dtypes.String:
		exceptions.Panicf("simengine: cannot convert %s to %s", src.DType(), dst.DType())
	case dst.DType() == src.DType():
		_ = src.ConstBytes(func(from []byte) {
			_ = dst.MutableBytes(func(to []byte) { copy(to, from) })
		})
	default:
		must.M(dst.SetFloat64s(must.M1(src.Float64s())))
	}
}
