// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline provides parsing, validation, and environment
// expansion for Gantry pipeline declarations. A declaration describes
// what a repository's CI run looks like: the toolchain versions to
// test against, the system packages the commands need, the ordered
// command sequences for each phase, and the branches that may trigger
// a build.
//
// Declarations are authored as .gantry.yml (YAML) or .gantry.jsonc
// (JSON extended with comments and trailing commas). This package
// handles both formats.
//
// The typical flow:
//
//  1. ReadFile or Parse: bytes → Pipeline
//  2. Validate: structural checks (non-empty versions, command lists, ...)
//  3. ResolveEnv: merge declared env + trigger variables → variable map
//  4. ExpandCommands: substitute ${NAME} references before execution
package pipeline

// DefaultFileName is the conventional declaration path at a repository
// root.
const DefaultFileName = ".gantry.yml"

// Pipeline is a parsed declaration. It is immutable after parsing: the
// runner reads a fresh copy per trigger and never writes back.
type Pipeline struct {
	// Language names the toolchain family ("python", "go", ...). It is
	// the lookup key into the runner's toolchain table.
	Language string `yaml:"language" json:"language"`

	// Versions lists the toolchain versions to test against, one
	// matrix job per entry, in declaration order. Must be non-empty.
	Versions []string `yaml:"versions" json:"versions"`

	// Packages lists system packages provisioned into the job
	// environment before the install phase runs. Order is irrelevant;
	// the set is installed in a single transaction.
	Packages []string `yaml:"packages,omitempty" json:"packages,omitempty"`

	// Privileged disables sandbox isolation for jobs of this pipeline.
	// Defaults to false: jobs run inside a bubblewrap sandbox with a
	// private filesystem view.
	Privileged bool `yaml:"privileged,omitempty" json:"privileged,omitempty"`

	// Env declares pipeline-level environment variables. Values may
	// reference trigger variables with ${NAME}.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Secrets maps environment variable names to age-encrypted values
	// (base64 ciphertext produced by "gantry secret encrypt"). The
	// runner decrypts them at job start; plaintexts never appear in
	// the declaration or the stored logs.
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Install is the setup phase: ordered shell commands that prepare
	// dependencies. The first nonzero exit fails the job and skips the
	// rest of the sequence.
	Install []string `yaml:"install,omitempty" json:"install,omitempty"`

	// Script is the test phase: ordered shell commands, same fail-fast
	// rule as Install. At least one command is required.
	Script []string `yaml:"script" json:"script"`

	// AfterSuccess runs only when every Install and Script command
	// exited zero. A nonzero exit here still fails the job.
	AfterSuccess []string `yaml:"after_success,omitempty" json:"after_success,omitempty"`

	// AfterFailure runs, best-effort, when a required command failed.
	// Its exit statuses never change the job conclusion.
	AfterFailure []string `yaml:"after_failure,omitempty" json:"after_failure,omitempty"`

	// Branches gates which branch triggers produce builds. A nil
	// filter admits every branch.
	Branches *BranchFilter `yaml:"branches,omitempty" json:"branches,omitempty"`

	// Cache lists directories (workspace-relative or ~-prefixed)
	// snapshotted after a successful build and restored before the
	// install phase of the next one.
	Cache []string `yaml:"cache,omitempty" json:"cache,omitempty"`

	// Cron is an optional 5-field cron expression for scheduled
	// builds, evaluated in UTC.
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`

	// Notify selects where build conclusions are announced.
	Notify *Notify `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// BranchFilter restricts which branches trigger builds. Only and
// Except are mutually exclusive.
type BranchFilter struct {
	// Only is an allow-list: a push build runs only when the branch is
	// a member.
	Only []string `yaml:"only,omitempty" json:"only,omitempty"`

	// Except is a deny-list, consulted when Only is absent.
	Except []string `yaml:"except,omitempty" json:"except,omitempty"`
}

// Admits reports whether a trigger for the given branch may produce a
// build. Membership is exact string comparison. A nil filter admits
// everything.
func (f *BranchFilter) Admits(branch string) bool {
	if f == nil {
		return true
	}
	if len(f.Only) > 0 {
		for _, allowed := range f.Only {
			if branch == allowed {
				return true
			}
		}
		return false
	}
	for _, denied := range f.Except {
		if branch == denied {
			return false
		}
	}
	return true
}

// Notify declares build conclusion notification targets.
type Notify struct {
	// Slack is a channel name ("#ci") posted to via the runner's
	// configured Slack token.
	Slack string `yaml:"slack,omitempty" json:"slack,omitempty"`

	// Email lists recipient addresses for conclusion mail.
	Email []string `yaml:"email,omitempty" json:"email,omitempty"`
}

// Phase names, in execution order. Provision is synthesized by the
// runner (system packages, toolchain activation); the rest come from
// the declaration.
const (
	PhaseProvision    = "provision"
	PhaseInstall      = "install"
	PhaseScript       = "script"
	PhaseAfterSuccess = "after_success"
	PhaseAfterFailure = "after_failure"
)
