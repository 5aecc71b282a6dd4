// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"

	"github.com/gomlx/salesforecast/internal/fsutil"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix of the environment variables read by Load.
const EnvPrefix = "SALESFORECAST_"

// sliceConfigPaths are given as comma-separated lists when set from environment variables.
var sliceConfigPaths = []string{
	"model.lstm_units",
	"forecast.stores",
	"forecast.products",
}

// Load the configuration: defaults, then the YAML file at path (skipped if path is empty), then
// environment variables. The result is validated, and directories have "~" expanded.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "loading configuration defaults")
	}
	if path != "" {
		if err := fsutil.RequireFile(path, "configuration file"); err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading configuration file %q", path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyToPath), nil); err != nil {
		return nil, errors.Wrap(err, "loading configuration from environment")
	}
	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "parsing configuration")
	}
	for _, dir := range []*string{&cfg.DataDir, &cfg.CacheDir, &cfg.OutputDir} {
		expanded, err := fsutil.ReplaceTildeInDir(*dir)
		if err != nil {
			return nil, err
		}
		*dir = expanded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyToPath maps SALESFORECAST_MODEL__LSTM_UNITS to model.lstm_units.
func envKeyToPath(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// splitSliceFields converts comma-separated string values of known slice fields to slices.
func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		value, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return errors.Wrapf(err, "setting %q", path)
		}
	}
	return nil
}
