// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const yamlDeclaration = `language: python
versions:
  - "3.10"
  - "3.11"
packages:
  - libgit2-dev
  - graphviz
env:
  COVERAGE_FILE: .coverage
install:
  - pip install .
  - pip install -r requirements.txt
script:
  - mkdir -p test_out
  - coverage run -p -m pytest tests
after_success:
  - codecov
branches:
  only: [vara, vara-dev]
`

const jsoncDeclaration = `{
  // Research project CI, two interpreters.
  "language": "python",
  "versions": ["3.10", "3.11"],
  "script": [
    "pytest",  // trailing commas are fine
  ],
  "branches": {"only": ["vara", "vara-dev"]},
}`

func TestParseYAML(t *testing.T) {
	t.Parallel()

	content, err := Parse([]byte(yamlDeclaration))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if content.Language != "python" {
		t.Errorf("Language = %q, want python", content.Language)
	}
	if want := []string{"3.10", "3.11"}; !reflect.DeepEqual(content.Versions, want) {
		t.Errorf("Versions = %v, want %v", content.Versions, want)
	}
	if want := []string{"pip install .", "pip install -r requirements.txt"}; !reflect.DeepEqual(content.Install, want) {
		t.Errorf("Install = %v, want %v", content.Install, want)
	}
	if len(content.Script) != 2 || content.Script[0] != "mkdir -p test_out" {
		t.Errorf("Script = %v, want ordered commands starting with mkdir", content.Script)
	}
	if content.Privileged {
		t.Error("Privileged defaulted to true, want false")
	}
	if content.Branches == nil || !reflect.DeepEqual(content.Branches.Only, []string{"vara", "vara-dev"}) {
		t.Errorf("Branches = %+v, want only [vara vara-dev]", content.Branches)
	}
}

func TestParseJSONC(t *testing.T) {
	t.Parallel()

	content, err := Parse([]byte(jsoncDeclaration))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if content.Language != "python" {
		t.Errorf("Language = %q, want python", content.Language)
	}
	if len(content.Versions) != 2 {
		t.Errorf("Versions = %v, want two entries", content.Versions)
	}
	if len(content.Script) != 1 || content.Script[0] != "pytest" {
		t.Errorf("Script = %v, want [pytest]", content.Script)
	}
}

func TestParseRejectsUnknownYAMLFields(t *testing.T) {
	t.Parallel()

	// "scrpit" is the classic typo that silently drops the test
	// phase; strict decoding surfaces it at parse time.
	if _, err := Parse([]byte("language: python\nversions: [\"3.11\"]\nscrpit: [pytest]\n")); err == nil {
		t.Fatal("Parse accepted a misspelled field")
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"yaml tab indent", "language: python\n\tversions: [x]"},
		{"json garbage", `{"language": `},
		{"yaml wrong type", "language: python\nversions: \"3.10\"\nscript: [x]"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(testCase.data)); err == nil {
				t.Fatalf("Parse accepted malformed input %q", testCase.data)
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	path := filepath.Join(directory, ".gantry.yml")
	if err := os.WriteFile(path, []byte(yamlDeclaration), 0o644); err != nil {
		t.Fatalf("writing declaration: %v", err)
	}

	content, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content.Language != "python" {
		t.Errorf("Language = %q, want python", content.Language)
	}
}

func TestReadFileJSONCExtension(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	path := filepath.Join(directory, "pipeline.jsonc")
	if err := os.WriteFile(path, []byte(jsoncDeclaration), 0o644); err != nil {
		t.Fatalf("writing declaration: %v", err)
	}

	content, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(content.Script) != 1 {
		t.Errorf("Script = %v, want one command", content.Script)
	}
}

func TestReadFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.yml"))
	if err == nil {
		t.Fatal("ReadFile succeeded on a missing file")
	}
}

func TestNameFromPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"repos/varats/.gantry.yml", "gantry"},
		{"nightly.yml", "nightly"},
		{"/srv/pipelines/release.jsonc", "release"},
		{".gantry.jsonc", "gantry"},
	}

	for _, testCase := range tests {
		if got := NameFromPath(testCase.path); got != testCase.want {
			t.Errorf("NameFromPath(%q) = %q, want %q", testCase.path, got, testCase.want)
		}
	}
}
