// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"

	"github.com/gantry-ci/gantry/lib/build"
)

func TestDurationLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ms   int64
		want string
	}{
		{-1, "-"},
		{0, "-"},
		{250, "250ms"},
		{999, "999ms"},
		{1500, "1.5s"},
		{59999, "59.999s"},
		{65000, "1m5s"},
		{90400, "1m30s"},
		{3600000, "1h0m0s"},
	}
	for _, testCase := range tests {
		if got := durationLabel(testCase.ms); got != testCase.want {
			t.Errorf("durationLabel(%d) = %q, want %q", testCase.ms, got, testCase.want)
		}
	}
}

func TestBuildStateLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status     build.Status
		conclusion build.Conclusion
		want       string
	}{
		{build.StatusRunning, "", "running"},
		{build.StatusSucceeded, build.ConclusionSuccess, "success"},
		{build.StatusFailed, build.ConclusionFailure, "failure"},
		{build.StatusPending, "", "pending"},
		{"", "", "-"},
	}
	for _, testCase := range tests {
		got := buildStateLabel(testCase.status, testCase.conclusion)
		if got != testCase.want {
			t.Errorf("buildStateLabel(%q, %q) = %q, want %q",
				testCase.status, testCase.conclusion, got, testCase.want)
		}
	}
}

func TestBuildsShowInvalidNumber(t *testing.T) {
	t.Parallel()

	for _, argument := range []string{"abc", "0", "-3", "1.5"} {
		cmd := buildsShowCommand()
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

func TestBuildsShowNoArgs(t *testing.T) {
	t.Parallel()

	cmd := buildsShowCommand()
	err := cmd.Run([]string{})
	if err == nil {
		t.Fatal("expected error for no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("error %q should contain usage hint", err.Error())
	}
}

func TestBuildsListRejectsArgs(t *testing.T) {
	t.Parallel()

	cmd := buildsListCommand()
	err := cmd.Run([]string{"extra"})
	if err == nil {
		t.Fatal("expected error for positional args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("error %q should contain usage hint", err.Error())
	}
}
