// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"strings"
)

// Profile defines the sandbox configuration for a job.
type Profile struct {
	Filesystem  []Mount
	Namespaces  NamespaceConfig
	Environment map[string]string
	Security    SecurityConfig
	CreateDirs  []string
}

// Mount defines a filesystem mount in the sandbox.
type Mount struct {
	Source   string
	Dest     string
	Mode     string
	Type     string
	Optional bool
}

// MountType constants for the Type field.
const (
	MountTypeBind  = ""      // Default: bind mount
	MountTypeTmpfs = "tmpfs" // tmpfs mount
	MountTypeProc  = "proc"  // /proc
	MountTypeDev   = "dev"   // /dev (minimal)
)

// MountMode constants for the Mode field.
const (
	MountModeRO = "ro" // Read-only
	MountModeRW = "rw" // Read-write
)

// NamespaceConfig defines which namespaces to unshare.
type NamespaceConfig struct {
	PID  bool
	Net  bool
	IPC  bool
	UTS  bool
	User bool
}

// SecurityConfig defines security settings for the sandbox.
type SecurityConfig struct {
	NewSession    bool
	DieWithParent bool
}

// Validate checks that a profile is well formed.
func (p *Profile) Validate() error {
	var errors []string

	for i, m := range p.Filesystem {
		if m.Dest == "" {
			errors = append(errors, fmt.Sprintf("filesystem[%d]: dest is required", i))
		}
		if m.Type == MountTypeBind && m.Source == "" {
			errors = append(errors, fmt.Sprintf("filesystem[%d]: source is required for bind mounts", i))
		}
		if m.Mode != "" && m.Mode != MountModeRO && m.Mode != MountModeRW {
			errors = append(errors, fmt.Sprintf("filesystem[%d]: invalid mode %q (must be ro or rw)", i, m.Mode))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("profile validation failed:\n  %s", strings.Join(errors, "\n  "))
	}
	return nil
}

// SandboxHome is the job's home directory inside the sandbox, mounted as a
// tmpfs so nothing written there survives the job.
const SandboxHome = "/home/gantry"

// defaultPath is the search path inside the sandbox before any toolchain
// directory is prepended.
const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// JobProfileOptions holds the inputs for constructing a CI job profile.
type JobProfileOptions struct {
	// WorkspaceDir is the job's workspace on the host. It is bound
	// read-write at the same path inside the sandbox so paths in the job
	// spec stay valid on both sides.
	WorkspaceDir string

	// ResultDir holds the job spec and the executor's result log. Bound
	// read-write.
	ResultDir string

	// CacheDir is the per-pipeline dependency cache. Bound read-write
	// when set.
	CacheDir string

	// ToolchainPath is the interpreter's bin directory on the host. Bound
	// read-only and prepended to PATH when set.
	ToolchainPath string

	// Environment is the job's fully computed environment. The sandbox
	// clears the inherited environment and sets exactly these variables
	// plus HOME, PATH, and GANTRY_SANDBOX.
	Environment map[string]string
}

// JobProfile constructs the standard profile for a non-privileged CI job:
// read-only system directories, tmpfs home and /tmp, workspace read-write,
// network shared with the host.
func JobProfile(opts JobProfileOptions) (*Profile, error) {
	if opts.WorkspaceDir == "" {
		return nil, fmt.Errorf("workspace dir is required")
	}
	if opts.ResultDir == "" {
		return nil, fmt.Errorf("result dir is required")
	}

	profile := &Profile{
		Filesystem: []Mount{
			{Source: "/usr", Dest: "/usr", Mode: MountModeRO},
			{Source: "/bin", Dest: "/bin", Mode: MountModeRO},
			{Source: "/lib", Dest: "/lib", Mode: MountModeRO},
			{Source: "/lib64", Dest: "/lib64", Mode: MountModeRO, Optional: true},
			{Source: "/etc/resolv.conf", Dest: "/etc/resolv.conf", Mode: MountModeRO, Optional: true},
			{Source: "/etc/ssl", Dest: "/etc/ssl", Mode: MountModeRO, Optional: true},
			{Source: "/etc/ca-certificates", Dest: "/etc/ca-certificates", Mode: MountModeRO, Optional: true},
			{Source: "/etc/passwd", Dest: "/etc/passwd", Mode: MountModeRO, Optional: true},
			{Source: "/etc/group", Dest: "/etc/group", Mode: MountModeRO, Optional: true},
			{Source: "/etc/alternatives", Dest: "/etc/alternatives", Mode: MountModeRO, Optional: true},
			{Type: MountTypeTmpfs, Dest: "/tmp"},
			{Type: MountTypeTmpfs, Dest: SandboxHome},
			{Source: opts.WorkspaceDir, Dest: opts.WorkspaceDir, Mode: MountModeRW},
			{Source: opts.ResultDir, Dest: opts.ResultDir, Mode: MountModeRW},
		},
		Namespaces: NamespaceConfig{
			PID: true,
			Net: false, // network stays shared: clones and package installs need it
			IPC: true,
			UTS: true,
		},
		Security: SecurityConfig{
			NewSession:    true,
			DieWithParent: true,
		},
		CreateDirs: []string{"/var/tmp"},
	}

	if opts.CacheDir != "" {
		profile.Filesystem = append(profile.Filesystem, Mount{
			Source: opts.CacheDir,
			Dest:   opts.CacheDir,
			Mode:   MountModeRW,
		})
	}
	if opts.ToolchainPath != "" {
		profile.Filesystem = append(profile.Filesystem, Mount{
			Source: opts.ToolchainPath,
			Dest:   opts.ToolchainPath,
			Mode:   MountModeRO,
		})
	}

	profile.Environment = make(map[string]string, len(opts.Environment)+3)
	for key, value := range opts.Environment {
		profile.Environment[key] = value
	}
	profile.Environment["HOME"] = SandboxHome
	profile.Environment["GANTRY_SANDBOX"] = "1"

	path := defaultPath
	if opts.ToolchainPath != "" {
		path = opts.ToolchainPath + ":" + path
	}
	profile.Environment["PATH"] = path

	return profile, nil
}
