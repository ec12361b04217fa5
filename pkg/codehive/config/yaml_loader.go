// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/codehive/pkg/codehive"
)

// YAMLLoader loads configuration from a YAML file.
// Decoding is strict: unknown keys are rejected.
type YAMLLoader struct {
	path string
}

// NewYAMLLoader creates a loader for the given file path.
func NewYAMLLoader(path string) *YAMLLoader {
	return &YAMLLoader{path: path}
}

// Load reads, decodes, and defaults the configuration.
// The result still needs Validator.Validate before use.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", codehive.ErrInvalidConfig, l.path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", codehive.ErrInvalidConfig, l.path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a defaulted Config.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: everything defaulted.
			cfg = Config{}
		} else {
			return nil, err
		}
	}

	cfg.EnsureDefaults()
	return &cfg, nil
}

// Marshal serializes a Config back to YAML. Used to write the
// sandbox-facing proxy configuration.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
