// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simengine implements an in-process engine.Engine that simulates TensorFlow models.
//
// A simulated model artifact is a YAML file describing the model signature and, for each output,
// a simple program computing it from the inputs. For the SavedModel format the artifact is a
// directory holding a "signature.yaml" file; for the GraphDef format it is the YAML file itself.
//
// Example of a model that returns its input and the sum of its two inputs:
//
//	inputs:
//	  - {name: INPUT0, in_model_name: "input0:0", dtype: FP32, shape: [-1, 16]}
//	  - {name: INPUT1, in_model_name: "input1:0", dtype: FP32, shape: [-1, 16]}
//	outputs:
//	  - {name: OUTPUT0, dtype: FP32, shape: [-1, 16], op: identity, args: ["input0:0"]}
//	  - {name: OUTPUT1, dtype: FP32, shape: [-1, 16], op: sum, args: ["input0:0", "input1:0"]}
//
// It registers itself as engine "sim". The configuration string is optional and can set the
// number of simulated GPUs, e.g. "sim:gpus=2".
package simengine

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/engine"
)

// EngineName used to register the engine.
const EngineName = "sim"

// SignatureFileName is the name of the signature file inside a SavedModel artifact directory.
const SignatureFileName = "signature.yaml"

func init() {
	engine.Register(EngineName, func(config string) (engine.Engine, error) { return New(config) })
}

// Ops supported by output programs.
const (
	OpIdentity = "identity"
	OpSum      = "sum"
	OpFill     = "fill"
)

// TensorSpec describes one input or output of a simulated model.
type TensorSpec struct {
	Name        string  `yaml:"name"`
	InModelName string  `yaml:"in_model_name,omitempty"`
	DType       string  `yaml:"dtype,omitempty"`
	Shape       []int64 `yaml:"shape,omitempty,flow"`

	// Program of outputs: Op applied to the Args (in-model names of inputs). Value is used by OpFill.
	Op    string   `yaml:"op,omitempty"`
	Args  []string `yaml:"args,omitempty,flow"`
	Value float64  `yaml:"value,omitempty"`
}

// Model is the content of a simulated model artifact.
type Model struct {
	Inputs  []TensorSpec `yaml:"inputs"`
	Outputs []TensorSpec `yaml:"outputs"`

	// Fail, if set, makes every Execute return an error with this message.
	Fail string `yaml:"fail,omitempty"`

	// FailLoad, if set, makes loading the model fail with this message.
	FailLoad string `yaml:"fail_load,omitempty"`

	// MaxAllocBytes, if > 0, makes NewTensor fail for tensors larger than this.
	MaxAllocBytes int64 `yaml:"max_alloc_bytes,omitempty"`
}

// Engine implements engine.Engine.
type Engine struct {
	numDevices int

	mu          sync.Mutex
	finalized   bool
	loads       atomic.Int64
	executables map[*Executable]struct{}
}

var _ engine.Engine = (*Engine)(nil)

// New creates a simulated engine. config is a comma-separated list of "key=value" options:
// currently only "gpus=<n>".
func New(config string) (*Engine, error) {
	e := &Engine{executables: make(map[*Executable]struct{})}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "gpus":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, errors.Errorf("simengine: invalid number of gpus in %q", part)
			}
			e.numDevices = n
		default:
			return nil, errors.Errorf("simengine: unknown configuration %q", part)
		}
	}
	return e, nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return EngineName }

// Description implements engine.Engine.
func (e *Engine) Description() string {
	return "Simulated TensorFlow engine (" + strconv.Itoa(e.numDevices) + " GPUs)"
}

// NumDevices implements engine.Engine.
func (e *Engine) NumDevices() int { return e.numDevices }

// NumLoads returns how many models were loaded so far.
func (e *Engine) NumLoads() int { return int(e.loads.Load()) }

// NumLive returns how many loaded executables were not finalized yet.
func (e *Engine) NumLive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executables)
}

// Finalize implements engine.Engine.
func (e *Engine) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = true
}

// Load implements engine.Engine.
func (e *Engine) Load(modelName, path string, format engine.Format, options engine.LoadOptions) (engine.Executable, error) {
	e.mu.Lock()
	finalized := e.finalized
	e.mu.Unlock()
	if finalized {
		return nil, errors.Errorf("simengine: engine already finalized, cannot load model %q", modelName)
	}
	if options.Device >= 0 && int(options.Device) >= e.numDevices {
		return nil, errors.Errorf("simengine: device %s not available for model %q (%d GPUs)",
			options.Device, modelName, e.numDevices)
	}
	if options.TensorRT != nil && options.AutoMixedPrecision {
		return nil, errors.Errorf("simengine: model %q: TensorRT and automatic mixed precision cannot be combined", modelName)
	}
	model, err := ReadModel(path, format)
	if err != nil {
		return nil, errors.WithMessagef(err, "simengine: failed to load model %q", modelName)
	}
	if model.FailLoad != "" {
		return nil, errors.New(model.FailLoad)
	}
	exec, err := newExecutable(e, modelName, format, options, model)
	if err != nil {
		return nil, err
	}
	e.loads.Add(1)
	e.mu.Lock()
	e.executables[exec] = struct{}{}
	e.mu.Unlock()
	klog.V(1).Infof("simengine: loaded model %q (%s) from %s on %s", modelName, format, path, options.Device)
	return exec, nil
}

func (e *Engine) release(exec *Executable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executables, exec)
}

// ArtifactFile returns the YAML file of an artifact at path in the given format.
func ArtifactFile(path string, format engine.Format) string {
	if format == engine.SavedModel {
		return filepath.Join(path, SignatureFileName)
	}
	return path
}

// ReadModel reads the simulated model artifact at path.
func ReadModel(path string, format engine.Format) (*Model, error) {
	contents, err := os.ReadFile(ArtifactFile(path, format))
	if err != nil {
		return nil, errors.Wrapf(err, "reading simulated model artifact")
	}
	model := &Model{}
	if err := yaml.Unmarshal(contents, model); err != nil {
		return nil, errors.Wrapf(err, "parsing simulated model artifact %q", path)
	}
	return model, nil
}

// WriteModel writes a simulated model artifact at path, creating the directories as needed.
func WriteModel(path string, format engine.Format, model *Model) error {
	contents, err := yaml.Marshal(model)
	if err != nil {
		return errors.Wrap(err, "serializing simulated model")
	}
	file := ArtifactFile(path, format)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", file)
	}
	return errors.Wrapf(os.WriteFile(file, contents, 0o644), "writing %q", file)
}

func (s TensorSpec) inModelName() string {
	if s.InModelName != "" {
		return s.InModelName
	}
	return s.Name
}

func (s TensorSpec) descriptor(format engine.Format) (engine.TensorDescriptor, error) {
	d := engine.TensorDescriptor{Name: s.Name, InModelName: s.inModelName()}
	if format == engine.GraphDef {
		return d, nil
	}
	dtype := dtypes.FromWireName(s.DType)
	if dtype == dtypes.InvalidDType {
		return d, errors.Errorf("tensor %q has invalid dtype %q", s.Name, s.DType)
	}
	d.Shape = shapes.Make(dtype, s.Shape...)
	return d, nil
}
