// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/status"
)

// AutoComplete fills in the configuration fields the model signature can tell: batching
// support and max_batch_size, the default scheduler and the inputs and outputs not configured.
// Configured inputs and outputs are checked against the signature, never overwritten.
//
// It works on a copy: cfg is not changed, and on error no partial result is returned.
// Only signature-rich executables can be used.
func AutoComplete(cfg *config.ModelConfig, exec engine.Executable, backendCfg config.BackendConfig) (*config.ModelConfig, error) {
	if exec.Format() != engine.SavedModel {
		return nil, status.Errorf(status.AutoCompleteInfeasible,
			"unable to autofill for '%s', %s models don't report their signature", cfg.Name, exec.Format())
	}
	ac := &autoCompleter{
		cfg:     cfg.Clone(),
		inputs:  exec.Inputs(),
		outputs: exec.Outputs(),
		backend: backendCfg,
	}
	if err := ac.fixBatchingSupport(); err != nil {
		return nil, err
	}
	if err := ac.fixInputs(); err != nil {
		return nil, err
	}
	if err := ac.fixOutputs(); err != nil {
		return nil, err
	}
	return ac.cfg, nil
}

type autoCompleter struct {
	cfg             *config.ModelConfig
	inputs, outputs []engine.TensorDescriptor
	backend         config.BackendConfig
}

func infeasiblef(format string, args ...any) error {
	return status.Errorf(status.AutoCompleteInfeasible, format, args...)
}

func (ac *autoCompleter) signatureSupportsBatch() bool {
	dims := make([][]int64, 0, len(ac.inputs)+len(ac.outputs))
	for _, d := range ac.inputs {
		dims = append(dims, d.Shape.Dimensions)
	}
	for _, d := range ac.outputs {
		dims = append(dims, d.Shape.Dimensions)
	}
	return shapes.ModelSupportsBatch(dims...)
}

// batchHint returns whether the dims configured for the tensors hint that the model batches:
// a configured tensor with as many dims as the model rank contradicts a batching signature.
func (ac *autoCompleter) batchHint(supportsBatch bool) (bool, error) {
	hinted := false
	check := func(name string, configuredDims []int64, descriptors []engine.TensorDescriptor) error {
		if len(configuredDims) == 0 {
			return nil
		}
		desc, found := engine.FindTensorDescriptor(descriptors, name)
		if !found {
			return nil
		}
		shouldBatch := desc.Rank() == len(configuredDims)+1
		if hinted && shouldBatch != supportsBatch {
			return infeasiblef("unable to autofill for '%s', model tensor configurations are contradicting "+
				"each other in terms of whether batching is supported", ac.cfg.Name)
		}
		hinted = true
		supportsBatch = shouldBatch
		return nil
	}
	for _, in := range ac.cfg.Inputs {
		if err := check(in.Name, in.ModelDims(), ac.inputs); err != nil {
			return false, err
		}
	}
	for _, out := range ac.cfg.Outputs {
		if err := check(out.Name, out.ModelDims(), ac.outputs); err != nil {
			return false, err
		}
	}
	return supportsBatch, nil
}

func (ac *autoCompleter) fixBatchingSupport() error {
	cfg := ac.cfg
	supportsBatch := ac.signatureSupportsBatch()
	if !supportsBatch && cfg.MaxBatchSize > 0 {
		return infeasiblef("unable to autofill for '%s', configuration specified max-batch %d but model signature "+
			"does not support batching", cfg.Name, cfg.MaxBatchSize)
	}

	if cfg.MaxBatchSize == 0 {
		if supportsBatch {
			var err error
			supportsBatch, err = ac.batchHint(supportsBatch)
			if err != nil {
				return err
			}
		}
		if supportsBatch && ac.backend.DefaultMaxBatchSize > 0 {
			cfg.MaxBatchSize = ac.backend.DefaultMaxBatchSize
			klog.Infof("autofilled max_batch_size to %d for model '%s' since batching is supported but no "+
				"max_batch_size is specified in model configuration", cfg.MaxBatchSize, cfg.Name)
		}
	}

	if cfg.MaxBatchSize > 1 && cfg.SequenceBatching == nil && cfg.DynamicBatching == nil {
		cfg.DynamicBatching = &config.DynamicBatching{}
		klog.Infof("autofilled dynamic_batching scheduler for model '%s' with max_batch_size %d",
			cfg.Name, cfg.MaxBatchSize)
	}
	return nil
}

// completedDims returns the dims and reshape to configure for a model tensor.
func completedDims(desc engine.TensorDescriptor, batching bool) (dims []int64, reshape *config.Reshape) {
	modelDims := desc.Shape.Dimensions
	if batching {
		modelDims = modelDims[1:]
	}
	dims = append([]int64{}, modelDims...)
	if len(dims) == 0 {
		return []int64{1}, &config.Reshape{Shape: []int64{}}
	}
	return dims, nil
}

// checkConfiguredDims checks a configured tensor against the model rank.
func (ac *autoCompleter) checkConfiguredDims(kind string, desc engine.TensorDescriptor, configuredDims []int64) error {
	if desc.Rank() == 0 {
		if len(configuredDims) == 0 {
			return infeasiblef("unable to autofill for '%s': the rank of model tensor '%s' is 0 and dimensions "+
				"are not defined for %s '%s'", ac.cfg.Name, desc.Name, kind, desc.Name)
		}
		return nil
	}
	expectedRank := desc.Rank()
	if ac.cfg.MaxBatchSize > 0 {
		expectedRank--
	}
	if len(configuredDims) != expectedRank {
		return invalidf("number of dimensions (%d) given for %s '%s' of model '%s' in configuration does not match "+
			"the rank (%d) of the loaded model", len(configuredDims), kind, desc.Name, ac.cfg.Name, expectedRank)
	}
	return nil
}

func (ac *autoCompleter) fixInputs() error {
	batching := ac.cfg.MaxBatchSize > 0
	for _, desc := range ac.inputs {
		if in := ac.cfg.FindInput(desc.Name); in != nil {
			if err := ac.checkConfiguredDims("input", desc, in.ModelDims()); err != nil {
				return err
			}
			continue
		}
		if ac.isBatchInputTarget(desc.Name) || ac.isSequenceControl(desc.Name) {
			continue
		}
		if desc.Rank() == 0 {
			return infeasiblef("unable to autofill for '%s': the rank of model tensor '%s' is 0 and it has no "+
				"configured input", ac.cfg.Name, desc.Name)
		}
		dims, reshape := completedDims(desc, batching)
		ac.cfg.Inputs = append(ac.cfg.Inputs, config.Input{
			Name:     desc.Name,
			DataType: desc.Shape.DType.ConfigName(),
			Dims:     dims,
			Reshape:  reshape,
		})
		klog.Infof("autofilled input '%s' of model '%s': %s %s", desc.Name, ac.cfg.Name,
			desc.Shape.DType.ConfigName(), shapes.DimsString(dims))
	}
	return nil
}

func (ac *autoCompleter) fixOutputs() error {
	batching := ac.cfg.MaxBatchSize > 0
	for _, desc := range ac.outputs {
		if out := ac.cfg.FindOutput(desc.Name); out != nil {
			if err := ac.checkConfiguredDims("output", desc, out.ModelDims()); err != nil {
				return err
			}
			continue
		}
		if desc.Rank() == 0 {
			return infeasiblef("unable to autofill for '%s': the rank of model tensor '%s' is 0 and it has no "+
				"configured output", ac.cfg.Name, desc.Name)
		}
		dims, reshape := completedDims(desc, batching)
		ac.cfg.Outputs = append(ac.cfg.Outputs, config.Output{
			Name:     desc.Name,
			DataType: desc.Shape.DType.ConfigName(),
			Dims:     dims,
			Reshape:  reshape,
		})
		klog.Infof("autofilled output '%s' of model '%s': %s %s", desc.Name, ac.cfg.Name,
			desc.Shape.DType.ConfigName(), shapes.DimsString(dims))
	}
	return nil
}

// isBatchInputTarget returns whether the model input is computed by a batch input.
func (ac *autoCompleter) isBatchInputTarget(name string) bool {
	for _, bi := range ac.cfg.BatchInputs {
		for _, target := range bi.TargetNames {
			if target == name {
				return true
			}
		}
	}
	return false
}

// isSequenceControl returns whether the model input receives a sequence control.
func (ac *autoCompleter) isSequenceControl(name string) bool {
	if ac.cfg.SequenceBatching == nil {
		return false
	}
	for _, ci := range ac.cfg.SequenceBatching.ControlInputs {
		if ci.Name == name {
			return true
		}
	}
	return false
}
