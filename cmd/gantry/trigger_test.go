// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
)

// writeFilteredDeclaration writes a declaration that only watches the
// vara and vara-dev branches.
func writeFilteredDeclaration(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".gantry.yml")
	err := os.WriteFile(path, []byte(`language: python
versions: ["3.10", "3.11"]
script:
  - pytest
branches:
  only: [vara, vara-dev]
`), 0o644)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestTriggerAdmittedBranch(t *testing.T) {
	t.Parallel()

	path := writeFilteredDeclaration(t)
	cmd := triggerCommand()
	if err := cmd.Flags().Parse([]string{"--branch", "vara-dev"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	if err := cmd.Run([]string{path}); err != nil {
		t.Fatalf("expected admitted branch to succeed, got: %v", err)
	}
}

func TestTriggerExcludedBranchExitsOne(t *testing.T) {
	t.Parallel()

	path := writeFilteredDeclaration(t)
	cmd := triggerCommand()
	if err := cmd.Flags().Parse([]string{"--branch", "main"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	err := cmd.Run([]string{path})
	if err == nil {
		t.Fatal("expected exit error for excluded branch")
	}
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *cli.ExitError", err)
	}
	if exitErr.Code != 1 {
		t.Errorf("exit code = %d, want 1", exitErr.Code)
	}
}

func TestTriggerManualBypassesFilter(t *testing.T) {
	t.Parallel()

	// Manual events name their branch explicitly, so the filter does
	// not apply even though main is unwatched.
	path := writeFilteredDeclaration(t)
	cmd := triggerCommand()
	if err := cmd.Flags().Parse([]string{"--branch", "main", "--event", "manual"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	if err := cmd.Run([]string{path}); err != nil {
		t.Fatalf("expected manual event to bypass the filter, got: %v", err)
	}
}

func TestTriggerPullRequestTestsBaseBranch(t *testing.T) {
	t.Parallel()

	// For pull requests the filter applies to the base branch, so a PR
	// targeting main is skipped by an only: [vara, vara-dev] filter.
	path := writeFilteredDeclaration(t)
	cmd := triggerCommand()
	if err := cmd.Flags().Parse([]string{"--branch", "main", "--event", "pull_request"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	err := cmd.Run([]string{path})
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *cli.ExitError", err)
	}
}

func TestTriggerUnknownEvent(t *testing.T) {
	t.Parallel()

	path := writeFilteredDeclaration(t)
	cmd := triggerCommand()
	if err := cmd.Flags().Parse([]string{"--branch", "vara", "--event", "release"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	err := cmd.Run([]string{path})
	if err == nil {
		t.Fatal("expected error for unknown event kind")
	}
	if !strings.Contains(err.Error(), "unknown event kind") {
		t.Errorf("error %q should mention the unknown kind", err.Error())
	}
}

func TestTriggerMissingBranch(t *testing.T) {
	t.Parallel()

	path := writeFilteredDeclaration(t)
	cmd := triggerCommand()
	err := cmd.Run([]string{path})
	if err == nil {
		t.Fatal("expected error for missing --branch")
	}
	if !strings.Contains(err.Error(), "--branch is required") {
		t.Errorf("error %q should mention --branch", err.Error())
	}
}

func TestTriggerNoArgs(t *testing.T) {
	t.Parallel()

	cmd := triggerCommand()
	if err := cmd.Flags().Parse([]string{"--branch", "vara"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	err := cmd.Run([]string{})
	if err == nil {
		t.Fatal("expected error for no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("error %q should contain usage hint", err.Error())
	}
}

func TestTriggerInvalidDeclaration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("language: python\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := triggerCommand()
	if err := cmd.Flags().Parse([]string{"--branch", "vara"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	if err := cmd.Run([]string{path}); err == nil {
		t.Fatal("expected error for invalid declaration")
	}
}
