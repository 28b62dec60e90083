// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.env")
	content := "PIP_INDEX_URL=https://mirror.internal/simple\nCODECOV_TOKEN=tok-123\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing env file: %v", err)
	}

	vars, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if vars["PIP_INDEX_URL"] != "https://mirror.internal/simple" {
		t.Errorf("PIP_INDEX_URL = %q", vars["PIP_INDEX_URL"])
	}
	if vars["CODECOV_TOKEN"] != "tok-123" {
		t.Errorf("CODECOV_TOKEN = %q", vars["CODECOV_TOKEN"])
	}
}

func TestLoadEnvFileRejectsLooseMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.env")
	if err := os.WriteFile(path, []byte("A=b\n"), 0o644); err != nil {
		t.Fatalf("writing env file: %v", err)
	}

	_, err := LoadEnvFile(path)
	if err == nil {
		t.Fatal("expected error for group/other-readable env file")
	}
	if !strings.Contains(err.Error(), "must not be group- or other-readable") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("expected error for missing env file")
	}
}
