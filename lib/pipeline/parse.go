// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Parse unmarshals declaration bytes into a Pipeline. The format is
// sniffed from the first non-whitespace byte: '{' selects JSONC (JSON
// extended with // comments, /* block comments */, and trailing
// commas), anything else selects YAML.
func Parse(data []byte) (*Pipeline, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseJSONC(data)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (*Pipeline, error) {
	var p Pipeline
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &p, nil
}

func parseJSONC(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &p, nil
}

// ReadFile reads and parses a declaration file. The extension decides
// the format (.yml/.yaml → YAML, .json/.jsonc → JSONC); unrecognized
// extensions fall back to content sniffing. Errors carry the path.
func ReadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var content *Pipeline
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		content, err = parseYAML(data)
	case ".json", ".jsonc":
		content, err = parseJSONC(data)
	default:
		content, err = Parse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return content, nil
}

// NameFromPath extracts a pipeline name from a file path by stripping
// the directory prefix, a leading dot, and the extension. For example,
// "repos/varats/.gantry.yml" returns "gantry" and "nightly.yml"
// returns "nightly".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimPrefix(base, ".")
}
