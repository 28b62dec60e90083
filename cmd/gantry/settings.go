// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/gantry-ci/gantry/lib/config"
)

// loadSettings resolves the runner configuration for commands that
// read runner state. An explicit path wins; otherwise GANTRY_CONFIG
// names the file.
func loadSettings(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// optionalSettings is loadSettings for commands that work without any
// configuration: when neither --config nor GANTRY_CONFIG names a
// file, the built-in defaults are returned instead of an error.
func optionalSettings(path string) (*config.Config, error) {
	if path == "" && os.Getenv("GANTRY_CONFIG") == "" {
		return config.Default(), nil
	}
	return loadSettings(path)
}
