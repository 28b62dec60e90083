// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/gantry-ci/gantry/lib/cron"
)

// identifierPattern matches environment variable names: start with a
// letter or underscore, followed by letters, digits, or underscores.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// packagePattern matches system package names. The set is the Debian
// package name charset plus uppercase, which covers every distro the
// provision templates target. Package names are interpolated into the
// provision command line, so anything outside this set is rejected.
var packagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+:~-]*$`)

// Validate checks a Pipeline for structural issues. Returns a list of
// human-readable issue descriptions; an empty list means the pipeline
// is valid.
//
// Structural checks include:
//   - language is required (toolchain lookup key)
//   - versions must be non-empty, with no blank or duplicate entries
//   - script must contain at least one command
//   - no phase may contain a blank command string
//   - branches.only and branches.except are mutually exclusive
//   - env and secret names must be valid identifiers
//   - secret values must be base64 (the encrypted form)
//   - cron must parse as a 5-field expression when present
//   - package names must fit the installer charset
//   - notify targets must be plausible (#channel, address with @)
func Validate(content *Pipeline) []string {
	var issues []string

	if content.Language == "" {
		issues = append(issues, "language is required")
	}

	if len(content.Versions) == 0 {
		issues = append(issues, "versions must list at least one toolchain version")
	}
	seenVersions := make(map[string]int, len(content.Versions))
	for index, version := range content.Versions {
		if strings.TrimSpace(version) == "" {
			issues = append(issues, fmt.Sprintf("versions[%d]: blank version", index))
			continue
		}
		if firstIndex, exists := seenVersions[version]; exists {
			issues = append(issues, fmt.Sprintf(
				"versions[%d] %q: duplicate version (first listed at versions[%d])",
				index, version, firstIndex,
			))
		} else {
			seenVersions[version] = index
		}
	}

	if len(content.Script) == 0 {
		issues = append(issues, "script must contain at least one command")
	}

	phases := []struct {
		name     string
		commands []string
	}{
		{PhaseInstall, content.Install},
		{PhaseScript, content.Script},
		{PhaseAfterSuccess, content.AfterSuccess},
		{PhaseAfterFailure, content.AfterFailure},
	}
	for _, phase := range phases {
		for index, command := range phase.commands {
			if strings.TrimSpace(command) == "" {
				issues = append(issues, fmt.Sprintf("%s[%d]: blank command", phase.name, index))
			}
		}
	}

	if content.Branches != nil {
		issues = append(issues, validateBranches(content.Branches)...)
	}

	for index, name := range content.Packages {
		if !packagePattern.MatchString(name) {
			issues = append(issues, fmt.Sprintf("packages[%d] %q: invalid package name", index, name))
		}
	}

	for name := range content.Env {
		if !identifierPattern.MatchString(name) {
			issues = append(issues, fmt.Sprintf("env[%q]: name must be a valid identifier", name))
		}
	}

	for name, ciphertext := range content.Secrets {
		if !identifierPattern.MatchString(name) {
			issues = append(issues, fmt.Sprintf("secrets[%q]: name must be a valid identifier", name))
		}
		if _, exists := content.Env[name]; exists {
			issues = append(issues, fmt.Sprintf("secrets[%q]: name collides with env[%q]", name, name))
		}
		if ciphertext == "" {
			issues = append(issues, fmt.Sprintf("secrets[%q]: empty ciphertext", name))
		} else if _, err := base64.StdEncoding.DecodeString(ciphertext); err != nil {
			issues = append(issues, fmt.Sprintf("secrets[%q]: value is not base64 (use \"gantry secret encrypt\")", name))
		}
	}

	for index, directory := range content.Cache {
		if strings.TrimSpace(directory) == "" {
			issues = append(issues, fmt.Sprintf("cache[%d]: blank directory", index))
		}
	}

	if content.Cron != "" {
		if _, err := cron.Parse(content.Cron); err != nil {
			issues = append(issues, fmt.Sprintf("cron: %v", err))
		}
	}

	if content.Notify != nil {
		issues = append(issues, validateNotify(content.Notify)...)
	}

	return issues
}

func validateBranches(filter *BranchFilter) []string {
	var issues []string

	if len(filter.Only) > 0 && len(filter.Except) > 0 {
		issues = append(issues, "branches.only and branches.except are mutually exclusive (set at most one)")
	}
	if len(filter.Only) == 0 && len(filter.Except) == 0 {
		issues = append(issues, "branches is declared but lists no branches (remove it or fill only/except)")
	}
	for index, branch := range filter.Only {
		if strings.TrimSpace(branch) == "" {
			issues = append(issues, fmt.Sprintf("branches.only[%d]: blank branch name", index))
		}
	}
	for index, branch := range filter.Except {
		if strings.TrimSpace(branch) == "" {
			issues = append(issues, fmt.Sprintf("branches.except[%d]: blank branch name", index))
		}
	}

	return issues
}

func validateNotify(notify *Notify) []string {
	var issues []string

	if notify.Slack == "" && len(notify.Email) == 0 {
		issues = append(issues, "notify is declared but has no targets (remove it or set slack/email)")
	}
	if notify.Slack != "" && !strings.HasPrefix(notify.Slack, "#") && !strings.HasPrefix(notify.Slack, "@") {
		issues = append(issues, fmt.Sprintf("notify.slack %q: channel must start with # or @", notify.Slack))
	}
	for index, address := range notify.Email {
		if !strings.Contains(address, "@") {
			issues = append(issues, fmt.Sprintf("notify.email[%d] %q: not an address", index, address))
		}
	}

	return issues
}
