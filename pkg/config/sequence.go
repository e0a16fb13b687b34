// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
)

// Sequence control kinds.
const (
	ControlSequenceStart  = "CONTROL_SEQUENCE_START"
	ControlSequenceEnd    = "CONTROL_SEQUENCE_END"
	ControlSequenceReady  = "CONTROL_SEQUENCE_READY"
	ControlSequenceCorrID = "CONTROL_SEQUENCE_CORRID"
)

// SequenceBatching enables the sequence batching scheduler of the host server, and binds the
// sequence control signals to model inputs.
type SequenceBatching struct {
	MaxSequenceIdleMicroseconds int64          `json:"max_sequence_idle_microseconds,omitempty"`
	ControlInputs               []ControlInput `json:"control_input,omitempty"`
}

// ControlInput binds one model input to sequence control signals.
type ControlInput struct {
	Name     string    `json:"name"`
	Controls []Control `json:"control"`
}

// Control is one sequence control signal. Boolean-like controls (start, end, ready) set exactly
// one of the *FalseTrue pairs, whose type defines the dtype of the input. The correlation id
// control uses DataType.
type Control struct {
	Kind           string    `json:"kind"`
	Int32FalseTrue []int32   `json:"int32_false_true,omitempty"`
	FP32FalseTrue  []float32 `json:"fp32_false_true,omitempty"`
	BoolFalseTrue  []bool    `json:"bool_false_true,omitempty"`
	DataType       string    `json:"data_type,omitempty"`
}

// SequenceControl is a resolved sequence control: the model input receiving it and its dtype.
type SequenceControl struct {
	Kind       string
	TensorName string
	DType      dtypes.DType
}

// SequenceControl resolves the control of the given kind. It returns found=false if the
// configuration has no sequence batching or doesn't bind that control.
//
// It returns an error if the control is bound more than once, or if its dtype is ambiguous or missing.
func (c *ModelConfig) SequenceControl(kind string) (control SequenceControl, found bool, err error) {
	if c.SequenceBatching == nil {
		return
	}
	for _, ci := range c.SequenceBatching.ControlInputs {
		for _, ctrl := range ci.Controls {
			if ctrl.Kind != kind {
				continue
			}
			if found {
				err = invalidf("sequence batching for model '%s' specifies multiple '%s' controls", c.Name, kind)
				return
			}
			found = true
			control = SequenceControl{Kind: kind, TensorName: ci.Name}
			if kind == ControlSequenceCorrID {
				control.DType = dtypes.FromConfigName(ctrl.DataType)
				if !control.DType.IsValid() {
					err = invalidf("sequence batching for model '%s' control '%s' specifies invalid data type '%s'",
						c.Name, kind, ctrl.DataType)
					return
				}
				continue
			}
			control.DType, err = c.booleanControlDType(kind, ctrl)
			if err != nil {
				return
			}
		}
	}
	return
}

func (c *ModelConfig) booleanControlDType(kind string, ctrl Control) (dtypes.DType, error) {
	dtype, count := dtypes.InvalidDType, 0
	if len(ctrl.Int32FalseTrue) > 0 {
		dtype, count = dtypes.Int32, count+1
		if len(ctrl.Int32FalseTrue) != 2 {
			return dtype, invalidf("sequence batching for model '%s' control '%s' must have two entries for 'int32_false_true'", c.Name, kind)
		}
	}
	if len(ctrl.FP32FalseTrue) > 0 {
		dtype, count = dtypes.Float32, count+1
		if len(ctrl.FP32FalseTrue) != 2 {
			return dtype, invalidf("sequence batching for model '%s' control '%s' must have two entries for 'fp32_false_true'", c.Name, kind)
		}
	}
	if len(ctrl.BoolFalseTrue) > 0 {
		dtype, count = dtypes.Bool, count+1
		if len(ctrl.BoolFalseTrue) != 2 {
			return dtype, invalidf("sequence batching for model '%s' control '%s' must have two entries for 'bool_false_true'", c.Name, kind)
		}
	}
	if count != 1 {
		return dtypes.InvalidDType, invalidf(
			"sequence batching for model '%s' control '%s' must specify exactly one of 'int32_false_true', "+
				"'fp32_false_true' or 'bool_false_true'", c.Name, kind)
	}
	return dtype, nil
}
