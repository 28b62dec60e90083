// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gantry-ci/gantry/lib/report"
)

// writeReportConfig writes a minimal runner configuration whose report
// directory points into the test's temp space.
func writeReportConfig(t *testing.T, reportsDir string) string {
	t.Helper()
	content := fmt.Sprintf("environment: development\npaths:\n  root: %q\n  reports: %q\n",
		filepath.Dir(reportsDir), reportsDir)
	path := filepath.Join(t.TempDir(), "gantry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReportNoArgs(t *testing.T) {
	t.Parallel()

	cmd := reportCommand()
	err := cmd.Run([]string{})
	if err == nil {
		t.Fatal("expected error for no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("error %q should contain usage hint", err.Error())
	}
}

func TestReportInvalidNumber(t *testing.T) {
	t.Parallel()

	for _, argument := range []string{"abc", "0", "-1"} {
		cmd := reportCommand()
		err := cmd.Run([]string{argument})
		if err == nil {
			t.Errorf("Run(%q): expected error", argument)
			continue
		}
		if !strings.Contains(err.Error(), "invalid build number") {
			t.Errorf("Run(%q): error %q should mention the invalid number", argument, err.Error())
		}
	}
}

func TestReportPrintsStoredSummary(t *testing.T) {
	t.Parallel()

	reportsDir := filepath.Join(t.TempDir(), "reports")
	store := report.NewStore(reportsDir)
	if err := store.Write(7, "build 7", []byte("# build 7\n\nall jobs green\n")); err != nil {
		t.Fatal(err)
	}
	configPath := writeReportConfig(t, reportsDir)

	cmd := reportCommand()
	if err := cmd.Flags().Parse([]string{"--config", configPath}); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Run([]string{"7"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cmd = reportCommand()
	if err := cmd.Flags().Parse([]string{"--config", configPath, "--html"}); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Run([]string{"7"}); err != nil {
		t.Fatalf("Run with --html: %v", err)
	}
}

func TestReportMissingBuild(t *testing.T) {
	t.Parallel()

	reportsDir := filepath.Join(t.TempDir(), "reports")
	configPath := writeReportConfig(t, reportsDir)

	cmd := reportCommand()
	if err := cmd.Flags().Parse([]string{"--config", configPath}); err != nil {
		t.Fatal(err)
	}
	err := cmd.Run([]string{"9"})
	if err == nil {
		t.Fatal("expected error for a build with no report")
	}
	if !strings.Contains(err.Error(), "no report for build 9") {
		t.Errorf("error = %q, want the missing-report message", err.Error())
	}
}
