// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"slices"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/status"
)

// Backend command-line keys, given by the host server as string key/value pairs.
const (
	KeyAllowSoftPlacement  = "allow-soft-placement"
	KeyGPUMemoryFraction   = "gpu-memory-fraction"
	KeyDefaultMaxBatchSize = "default-max-batch-size"
)

// DefaultMaxBatchSize is the max_batch_size given by auto-complete to models that support
// batching, unless the backend is configured otherwise.
const DefaultMaxBatchSize = 4

// BackendConfig holds the settings shared by all models of the backend.
//
// It is created once by ParseBackendConfig and passed by value to every model load, so it is
// never changed after creation.
type BackendConfig struct {
	AllowSoftPlacement bool    `koanf:"allow-soft-placement"`
	GPUMemoryFraction  float64 `koanf:"gpu-memory-fraction"`

	// AllowGPUMemoryGrowth is set when GPUMemoryFraction is 0.
	AllowGPUMemoryGrowth bool `koanf:"-"`

	DefaultMaxBatchSize int `koanf:"default-max-batch-size"`
}

// DefaultBackendConfig returns the configuration used when the host gives no command-line settings.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		AllowGPUMemoryGrowth: true,
		DefaultMaxBatchSize:  DefaultMaxBatchSize,
	}
}

// ParseBackendConfig parses the host server command-line settings of the backend.
// Unknown keys are ignored with a warning.
func ParseBackendConfig(cmdline map[string]string) (BackendConfig, error) {
	cfg := DefaultBackendConfig()
	known := []string{KeyAllowSoftPlacement, KeyGPUMemoryFraction, KeyDefaultMaxBatchSize}
	values := make(map[string]any, len(cmdline))
	for key, value := range cmdline {
		if !slices.Contains(known, key) {
			klog.Warningf("backend configuration: ignoring unknown setting %q=%q", key, value)
			continue
		}
		values[key] = value
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
		return cfg, status.Wrapf(status.ConfigurationInvalid, err, "failed to load backend configuration")
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return cfg, status.Wrapf(status.ConfigurationInvalid, err, "failed to parse backend configuration")
	}
	if cfg.GPUMemoryFraction < 0 || cfg.GPUMemoryFraction > 1 {
		return cfg, invalidf("backend configuration '%s' must be in [0, 1], got %g",
			KeyGPUMemoryFraction, cfg.GPUMemoryFraction)
	}
	if cfg.DefaultMaxBatchSize < 0 {
		return cfg, invalidf("backend configuration '%s' must be >= 0, got %d",
			KeyDefaultMaxBatchSize, cfg.DefaultMaxBatchSize)
	}
	cfg.AllowGPUMemoryGrowth = cfg.GPUMemoryFraction == 0
	klog.V(1).Infof("backend configuration: allow-soft-placement=%v, gpu-memory-fraction=%g, default-max-batch-size=%d",
		cfg.AllowSoftPlacement, cfg.GPUMemoryFraction, cfg.DefaultMaxBatchSize)
	return cfg, nil
}
