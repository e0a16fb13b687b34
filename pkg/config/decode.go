// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	koanfjson "github.com/knadh/koanf/parsers/json"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/pkg/errors"

	"github.com/tfbridge/tfbridge/pkg/status"
)

// Format of a persisted model configuration.
type Format int

const (
	JSON Format = iota
	YAML
)

// FormatForPath returns YAML for ".yaml"/".yml" files and JSON otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	}
	return JSON
}

func invalidf(format string, args ...any) error {
	return status.Errorf(status.ConfigurationInvalid, format, args...)
}

// Decode parses a persisted model configuration.
//
// Decoding is weakly typed: 64-bit integers written as strings (as the host server serializes
// them) are accepted.
func Decode(data []byte, format Format) (*ModelConfig, error) {
	k := koanf.New(".")
	var parser koanf.Parser = koanfjson.Parser()
	if format == YAML {
		parser = koanfyaml.Parser()
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return nil, status.Wrapf(status.ConfigurationInvalid, err, "failed to parse model configuration")
	}
	cfg := &ModelConfig{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, status.Wrapf(status.ConfigurationInvalid, err, "failed to decode model configuration")
	}
	return cfg, nil
}

// Encode serializes the configuration to the JSON form used by the host server.
func Encode(cfg *ModelConfig) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode configuration of model '%s'", cfg.Name)
	}
	return data, nil
}
