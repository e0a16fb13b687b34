// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"

	"github.com/tfbridge/tfbridge/pkg/status"
)

// Model parameter keys.
const (
	ParamMaxSessionShareCount = "MAX_SESSION_SHARE_COUNT"
	ParamNumIntraThreads      = "TF_NUM_INTRA_THREADS"
	ParamNumInterThreads      = "TF_NUM_INTER_THREADS"
	ParamUsePerSessionThreads = "TF_USE_PER_SESSION_THREADS"
	ParamGraphTag             = "TF_GRAPH_TAG"
	ParamSignatureDef         = "TF_SIGNATURE_DEF"
)

// ModelParameters are the tuning parameters of a model, given in the "parameters" section.
type ModelParameters struct {
	// MaxSessionShareCount is how many instances on the same device can share one loaded executable.
	MaxSessionShareCount int `koanf:"MAX_SESSION_SHARE_COUNT"`

	// NumIntraThreads and NumInterThreads size the engine thread pools. 0 lets the engine decide.
	NumIntraThreads int `koanf:"TF_NUM_INTRA_THREADS"`
	NumInterThreads int `koanf:"TF_NUM_INTER_THREADS"`

	UsePerSessionThreads bool   `koanf:"TF_USE_PER_SESSION_THREADS"`
	GraphTag             string `koanf:"TF_GRAPH_TAG"`
	SignatureDef         string `koanf:"TF_SIGNATURE_DEF"`
}

// ParseModelParameters parses the parameters of the model configuration. Missing parameters take
// their default values, other unknown parameters are ignored.
func (c *ModelConfig) ParseModelParameters() (ModelParameters, error) {
	params := ModelParameters{MaxSessionShareCount: 1}
	values := make(map[string]any, len(c.Parameters))
	for key, value := range c.Parameters {
		values[key] = value.StringValue
	}
	k := koanf.New("::")
	if err := k.Load(confmap.Provider(values, ""), nil); err != nil {
		return params, status.Wrapf(status.ConfigurationInvalid, err, "failed to load parameters of model '%s'", c.Name)
	}
	if err := k.UnmarshalWithConf("", &params, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return params, status.Wrapf(status.ConfigurationInvalid, err, "failed to parse parameters of model '%s'", c.Name)
	}
	if params.MaxSessionShareCount <= 0 {
		return params, invalidf("parameter '%s' for model '%s' must be > 0, got %d",
			ParamMaxSessionShareCount, c.Name, params.MaxSessionShareCount)
	}
	if params.NumIntraThreads < 0 {
		return params, invalidf("parameter '%s' for model '%s' must be >= 0, got %d",
			ParamNumIntraThreads, c.Name, params.NumIntraThreads)
	}
	if params.NumInterThreads < 0 {
		return params, invalidf("parameter '%s' for model '%s' must be >= 0, got %d",
			ParamNumInterThreads, c.Name, params.NumInterThreads)
	}
	return params, nil
}
