// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"strings"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/status"
	"github.com/tfbridge/tfbridge/pkg/support/sets"
)

// Signature is the validated signature of a loaded executable.
//
// It is built once per executable by Validate and never changed afterward.
type Signature struct {
	// Inputs and Outputs are the descriptors of the configured tensors, by configured name.
	// Descriptors whose rank the model didn't report are completed from the configuration.
	Inputs  map[string]engine.TensorDescriptor
	Outputs map[string]engine.TensorDescriptor

	// inputNames and outputNames map every model tensor name to its in-model name.
	inputNames  map[string]string
	outputNames map[string]string
}

func newSignature(exec engine.Executable) *Signature {
	sig := &Signature{
		Inputs:      make(map[string]engine.TensorDescriptor),
		Outputs:     make(map[string]engine.TensorDescriptor),
		inputNames:  make(map[string]string),
		outputNames: make(map[string]string),
	}
	for _, d := range exec.Inputs() {
		sig.inputNames[d.Name] = inModelName(d)
	}
	for _, d := range exec.Outputs() {
		sig.outputNames[d.Name] = inModelName(d)
	}
	return sig
}

func inModelName(d engine.TensorDescriptor) string {
	if d.InModelName != "" {
		return d.InModelName
	}
	return d.Name
}

// InModelInputName returns the name used to feed the input inside the model.
func (s *Signature) InModelInputName(name string) string {
	if n, found := s.inputNames[name]; found {
		return n
	}
	return name
}

// InModelOutputName returns the name used to fetch the output from the model.
func (s *Signature) InModelOutputName(name string) string {
	if n, found := s.outputNames[name]; found {
		return n
	}
	return name
}

// sequenceControlKinds in the order they are validated.
var sequenceControlKinds = []string{
	config.ControlSequenceStart,
	config.ControlSequenceEnd,
	config.ControlSequenceReady,
	config.ControlSequenceCorrID,
}

// Validate checks the configuration against the signature of the loaded executable, using
// the rules of the executable's format. It stops at the first error.
func Validate(cfg *config.ModelConfig, exec engine.Executable) (*Signature, error) {
	if exec.Format() == engine.GraphDef {
		return ValidateGraphDef(cfg, exec)
	}
	return ValidateSavedModel(cfg, exec)
}

func invalidf(format string, args ...any) error {
	return status.Errorf(status.ConfigurationInvalid, format, args...)
}

func namesOf(descriptors []engine.TensorDescriptor) sets.Set[string] {
	names := sets.Make[string](len(descriptors))
	for _, d := range descriptors {
		names.Insert(d.Name)
	}
	return names
}

func checkAllowed(modelName, kind, name string, allowed sets.Set[string]) error {
	if allowed.Has(name) {
		return nil
	}
	return invalidf("unexpected inference %s '%s' for model '%s', allowed %ss are: %s",
		kind, name, modelName, kind, strings.Join(sets.Sorted(allowed), ", "))
}

// sequenceControls returns the sequence controls bound by the configuration.
func sequenceControls(cfg *config.ModelConfig) ([]config.SequenceControl, error) {
	if cfg.SequenceBatching == nil {
		return nil, nil
	}
	var controls []config.SequenceControl
	for _, kind := range sequenceControlKinds {
		control, found, err := cfg.SequenceControl(kind)
		if err != nil {
			return nil, err
		}
		if found {
			controls = append(controls, control)
		}
	}
	return controls, nil
}

// fullDims prefixes dims with the batch dimension if batching.
func fullDims(dims []int64, batching bool) []int64 {
	if !batching {
		return append([]int64(nil), dims...)
	}
	return append([]int64{shapes.WildcardDim}, dims...)
}

// ValidateGraphDef validates the configuration of a graph-only model: only the names of the
// potential inputs and outputs of the model are known.
func ValidateGraphDef(cfg *config.ModelConfig, exec engine.Executable) (*Signature, error) {
	modelInputs, modelOutputs := exec.Inputs(), exec.Outputs()
	potentialInputs, potentialOutputs := namesOf(modelInputs), namesOf(modelOutputs)
	if len(potentialInputs) < len(cfg.Inputs) {
		return nil, invalidf("unable to load model '%s', configuration expects %d inputs, model provides at most %d",
			cfg.Name, len(cfg.Inputs), len(potentialInputs))
	}

	controls, err := sequenceControls(cfg)
	if err != nil {
		return nil, err
	}
	for _, control := range controls {
		if !potentialInputs.Has(control.TensorName) {
			return nil, invalidf("configuration for model '%s' specified sequence control '%s', "+
				"but model does not provide that input", cfg.Name, control.TensorName)
		}
	}

	sig := newSignature(exec)
	batching := cfg.MaxBatchSize > 0
	for _, in := range cfg.Inputs {
		if err := checkAllowed(cfg.Name, "input", in.Name, potentialInputs); err != nil {
			return nil, err
		}
		sig.Inputs[in.Name] = engine.TensorDescriptor{
			Name:        in.Name,
			InModelName: sig.InModelInputName(in.Name),
			Shape:       shapes.Make(in.DType(), fullDims(in.ModelDims(), batching)...),
		}
	}
	for _, out := range cfg.Outputs {
		if err := checkAllowed(cfg.Name, "output", out.Name, potentialOutputs); err != nil {
			return nil, err
		}
		sig.Outputs[out.Name] = engine.TensorDescriptor{
			Name:        out.Name,
			InModelName: sig.InModelOutputName(out.Name),
			Shape:       shapes.Make(out.DType(), fullDims(out.ModelDims(), batching)...),
		}
	}
	return sig, nil
}

// ValidateSavedModel validates the configuration of a signature-rich model: every configured
// tensor must exist in the model signature with a compatible shape and the same dtype.
//
// Model tensors reported with rank 0 (unknown) take their shape from the configuration.
func ValidateSavedModel(cfg *config.ModelConfig, exec engine.Executable) (*Signature, error) {
	modelInputs, modelOutputs := exec.Inputs(), exec.Outputs()
	controls, err := sequenceControls(cfg)
	if err != nil {
		return nil, err
	}
	batching := cfg.MaxBatchSize > 0
	for _, control := range controls {
		if err := validateSequenceControl(cfg.Name, control, modelInputs, batching); err != nil {
			return nil, err
		}
	}
	expectedInputs := len(cfg.Inputs) + len(cfg.BatchInputs) + len(controls)
	if expectedInputs != len(modelInputs) {
		return nil, invalidf("unable to load model '%s', configuration expects %d inputs, model provides %d",
			cfg.Name, expectedInputs, len(modelInputs))
	}

	sig := newSignature(exec)
	allowedInputs := namesOf(modelInputs)
	for _, in := range cfg.Inputs {
		if err := checkAllowed(cfg.Name, "input", in.Name, allowedInputs); err != nil {
			return nil, err
		}
		desc, _ := engine.FindTensorDescriptor(modelInputs, in.Name)
		dims := in.ModelDims()
		switch {
		case desc.Rank() == 0:
			desc = desc.WithDimensions(fullDims(dims, batching))
		case in.AllowRaggedBatch:
			if desc.Rank() != 1 || desc.Shape.Dimensions[0] != shapes.WildcardDim {
				return nil, invalidf("unable to load model '%s', configuration expects model provides input with "+
					"shape [-1] for ragged input '%s', model provides %s",
					cfg.Name, in.Name, shapes.DimsString(desc.Shape.Dimensions))
			}
		default:
			if err := shapes.CompareShapes(cfg.Name, in.Name, desc.Shape.Dimensions, dims, batching, false); err != nil {
				return nil, err
			}
		}
		if !shapes.CompareDataType(desc.Shape.DType, in.DataType) {
			return nil, invalidf("unable to load model '%s', configuration expects datatype %s for input '%s', model provides %s",
				cfg.Name, in.DataType, in.Name, desc.Shape.DType.ConfigName())
		}
		sig.Inputs[in.Name] = desc
	}

	allowedOutputs := namesOf(modelOutputs)
	for _, out := range cfg.Outputs {
		if err := checkAllowed(cfg.Name, "output", out.Name, allowedOutputs); err != nil {
			return nil, err
		}
		desc, _ := engine.FindTensorDescriptor(modelOutputs, out.Name)
		dims := out.ModelDims()
		if desc.Rank() == 0 {
			desc = desc.WithDimensions(fullDims(dims, batching))
		} else if cfg.BatchOutputFor(out.Name) == nil {
			if err := shapes.CompareShapes(cfg.Name, out.Name, desc.Shape.Dimensions, dims, batching, true); err != nil {
				return nil, err
			}
		}
		if !shapes.CompareDataType(desc.Shape.DType, out.DataType) {
			return nil, invalidf("unable to load model '%s', configuration expects datatype %s for output '%s', model provides %s",
				cfg.Name, out.DataType, out.Name, desc.Shape.DType.ConfigName())
		}
		sig.Outputs[out.Name] = desc
	}
	return sig, nil
}

// validateSequenceControl checks the model input bound to a sequence control: it must exist,
// hold one element per sequence and have the dtype of the control.
func validateSequenceControl(modelName string, control config.SequenceControl,
	modelInputs []engine.TensorDescriptor, batching bool) error {
	desc, found := engine.FindTensorDescriptor(modelInputs, control.TensorName)
	if !found {
		return invalidf("configuration for model '%s' specified sequence control '%s', "+
			"but model does not provide that input", modelName, control.TensorName)
	}
	if desc.Rank() != 0 {
		err := shapes.CompareShapes(modelName, control.TensorName, desc.Shape.Dimensions, []int64{1}, batching, true)
		if err != nil {
			return status.Wrapf(status.ConfigurationInvalid, err, "unable to load model '%s', sequence control '%s'",
				modelName, control.TensorName)
		}
	}
	if desc.Shape.DType != control.DType {
		return invalidf("unable to load model '%s', sequence control '%s': the model expects data-type %s but the "+
			"model configuration specifies data-type %s",
			modelName, control.TensorName, desc.Shape.DType.ConfigName(), control.DType.ConfigName())
	}
	return nil
}
