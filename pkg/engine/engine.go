// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine defines the interface to the execution engine that loads and runs TensorFlow
// models: the neural-network math is fully delegated to it.
//
// An Engine loads model artifacts in one of two formats: graph-only (GraphDef, only tensor
// names are known) and signature-rich (SavedModel, names, shapes and dtypes are known). A loaded
// model is an Executable bound to one device.
//
// Engines register themselves with Register, and are created with New, given a configuration
// string formatted as "<engine_name>:<engine_configuration>".
package engine

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
)

// DeviceNum identifies the device where a model is loaded: a GPU index, NoGPU or ModelDevice.
type DeviceNum int

const (
	// NoGPU places the model on the CPU.
	NoGPU DeviceNum = -1

	// ModelDevice lets the model itself decide device placement (co-located with caller).
	ModelDevice DeviceNum = -2
)

// String implements fmt.Stringer.
func (d DeviceNum) String() string {
	switch d {
	case NoGPU:
		return "CPU"
	case ModelDevice:
		return "MODEL_DEVICE"
	default:
		return fmt.Sprintf("GPU:%d", int(d))
	}
}

// Format of a model artifact.
type Format int

const (
	// GraphDef is the graph-only format: the model only exposes the names of potential inputs and outputs.
	GraphDef Format = iota

	// SavedModel is the signature-rich format: the model exposes the shape and dtype of each input and output.
	SavedModel
)

// String implements fmt.Stringer.
func (f Format) String() string {
	if f == GraphDef {
		return "graphdef"
	}
	return "savedmodel"
}

// Engine is the API to be implemented by an execution engine.
type Engine interface {
	// Name returns the short name of the engine.
	Name() string

	// Description is a longer description of the Engine that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of GPUs available.
	NumDevices() int

	// Load the model artifact at path, in the given format, using the given options.
	// modelName is only used for error messages.
	Load(modelName, path string, format Format, options LoadOptions) (Executable, error)

	// Finalize releases all the associated resources, and makes the engine invalid.
	Finalize()
}

// Executable is a loaded, runnable model bound to one device.
//
// Execute may be called concurrently by different model instances sharing the Executable.
type Executable interface {
	// Format of the loaded artifact.
	Format() Format

	// Device where the model was loaded.
	Device() DeviceNum

	// Inputs returns the description of the model inputs. For the GraphDef format, these are only
	// the potential inputs: only the names are set, and the shapes have rank 0.
	Inputs() []TensorDescriptor

	// Outputs returns the description of the model outputs, see Inputs.
	Outputs() []TensorDescriptor

	// NewTensor allocates a tensor to be used as input, in the given placement.
	// It returns an error if the memory cannot be allocated.
	NewTensor(inModelName string, shape shapes.Shape, placement tensors.Placement) (*tensors.Tensor, error)

	// Execute runs the model once with the given inputs (named by their in-model names), and
	// returns one tensor per entry of outputNames (in-model names), in the same order.
	Execute(inputs []*tensors.Tensor, outputNames []string) ([]*tensors.Tensor, error)

	// Finalize releases the resources of the model. The Executable cannot be used afterward.
	Finalize()
}

// TensorDescriptor describes one input or output of a model signature.
type TensorDescriptor struct {
	// Name used by the model configuration (the signature key for SavedModel).
	Name string

	// InModelName is the name of the tensor inside the model graph, used to feed and fetch it.
	InModelName string

	// Shape reported by the model. Rank 0 means the rank is unknown.
	Shape shapes.Shape
}

// Rank of the descriptor's shape. 0 means unknown.
func (d TensorDescriptor) Rank() int { return d.Shape.Rank() }

// WithDimensions returns a copy of the descriptor with its dimensions replaced by dims.
// The receiver is not changed.
func (d TensorDescriptor) WithDimensions(dims []int64) TensorDescriptor {
	d.Shape = shapes.Make(d.Shape.DType, dims...)
	return d
}

// FindTensorDescriptor returns the descriptor with the given name, or false if not found.
func FindTensorDescriptor(descriptors []TensorDescriptor, name string) (TensorDescriptor, bool) {
	idx := slices.IndexFunc(descriptors, func(d TensorDescriptor) bool { return d.Name == name })
	if idx < 0 {
		return TensorDescriptor{}, false
	}
	return descriptors[idx], true
}

// Constructor takes a config string (optionally empty) and returns an Engine.
type Constructor func(config string) (Engine, error)

var (
	registryMu             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register engine with the given name, and a constructor that takes as input a configuration
// string that is passed along to the engine.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the sorted names of the registered engines.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// EnvEngineConfig is the environment variable with the default engine configuration to use.
const EnvEngineConfig = "TFBRIDGE_ENGINE"

// New returns a new default Engine: configured by the environment variable EnvEngineConfig if
// set, or else the first registered engine with an empty configuration.
func New() (Engine, error) {
	return NewWithConfig(os.Getenv(EnvEngineConfig))
}

// NewWithConfig takes a configuration string formatted as "<engine_name>:<engine_configuration>".
// If the engine name is empty, the first registered engine is used.
func NewWithConfig(config string) (Engine, error) {
	registryMu.Lock()
	if len(registeredConstructors) == 0 {
		registryMu.Unlock()
		return nil, errors.New("no registered execution engines")
	}
	engineName, engineConfig := firstRegistered, config
	if idx := strings.Index(config, ":"); idx != -1 {
		engineName, engineConfig = config[:idx], config[idx+1:]
	} else if config != "" {
		engineName, engineConfig = config, ""
	}
	constructor, found := registeredConstructors[engineName]
	registryMu.Unlock()
	if !found {
		return nil, errors.Errorf("can't find execution engine %q for configuration %q given", engineName, config)
	}
	return constructor(engineConfig)
}
