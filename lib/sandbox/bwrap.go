// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BuildOptions holds options for building a bwrap command.
type BuildOptions struct {
	// Profile is the resolved profile to use.
	Profile *Profile

	// ExtraBinds are additional bind mounts from the runner config.
	// Format: "source:dest:mode" where mode is "ro" or "rw".
	ExtraBinds []string

	// ExtraEnv are additional environment variables (override profile).
	ExtraEnv map[string]string

	// Command is the command to run inside the sandbox.
	Command []string
}

// Builder builds bubblewrap command-line arguments.
type Builder struct {
	args []string
	env  map[string]string
}

// NewBuilder creates a new builder.
func NewBuilder() *Builder {
	return &Builder{
		args: []string{},
		env:  make(map[string]string),
	}
}

// Build constructs the bwrap arguments from options. The environment is
// always cleared; only the profile's variables (plus ExtraEnv) are set.
func (b *Builder) Build(opts *BuildOptions) ([]string, error) {
	if opts.Profile == nil {
		return nil, fmt.Errorf("profile is required")
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}

	b.args = []string{}
	b.env = make(map[string]string)

	b.addNamespaces(opts.Profile.Namespaces)
	b.addSecurity(opts.Profile.Security)

	// /proc is needed for most programs; minimal /dev with only safe devices.
	b.args = append(b.args, "--proc", "/proc")
	b.args = append(b.args, "--dev", "/dev")

	if err := b.addProfileMounts(opts.Profile); err != nil {
		return nil, err
	}
	if err := b.addExtraBinds(opts.ExtraBinds); err != nil {
		return nil, err
	}

	for _, dir := range opts.Profile.CreateDirs {
		b.args = append(b.args, "--dir", dir)
	}

	b.args = append(b.args, "--clearenv")

	for key, value := range opts.Profile.Environment {
		b.env[key] = value
	}
	for key, value := range opts.ExtraEnv {
		b.env[key] = value
	}

	// Sort keys for deterministic output.
	envKeys := make([]string, 0, len(b.env))
	for key := range b.env {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		b.args = append(b.args, "--setenv", key, b.env[key])
	}

	b.args = append(b.args, "--")
	b.args = append(b.args, opts.Command...)

	return b.args, nil
}

// addNamespaces adds namespace unsharing options.
func (b *Builder) addNamespaces(ns NamespaceConfig) {
	if ns.PID {
		b.args = append(b.args, "--unshare-pid")
	}
	if ns.Net {
		b.args = append(b.args, "--unshare-net")
	}
	if ns.IPC {
		b.args = append(b.args, "--unshare-ipc")
	}
	if ns.UTS {
		b.args = append(b.args, "--unshare-uts")
	}
	if ns.User {
		b.args = append(b.args, "--unshare-user")
	}
}

// addSecurity adds security options.
func (b *Builder) addSecurity(sec SecurityConfig) {
	if sec.NewSession {
		b.args = append(b.args, "--new-session")
	}
	if sec.DieWithParent {
		b.args = append(b.args, "--die-with-parent")
	}
}

// addProfileMounts adds mounts from the profile configuration.
func (b *Builder) addProfileMounts(profile *Profile) error {
	for _, mount := range profile.Filesystem {
		switch mount.Type {
		case MountTypeTmpfs:
			// bwrap's --tmpfs needs the mount point's parents to exist
			// in the new root; --dir creates one component at a time.
			if parent := filepath.Dir(mount.Dest); parent != "/" && parent != "." {
				for _, dir := range pathHierarchy(parent) {
					b.args = append(b.args, "--dir", dir)
				}
			}
			b.args = append(b.args, "--tmpfs", mount.Dest)

		case MountTypeProc:
			b.args = append(b.args, "--proc", mount.Dest)

		case MountTypeDev:
			b.args = append(b.args, "--dev", mount.Dest)

		default:
			if mount.Optional {
				if _, err := os.Stat(mount.Source); os.IsNotExist(err) {
					continue
				}
			}
			if mount.Mode == MountModeRO {
				b.args = append(b.args, "--ro-bind", mount.Source, mount.Dest)
			} else {
				b.args = append(b.args, "--bind", mount.Source, mount.Dest)
			}
		}
	}
	return nil
}

// addExtraBinds adds config-specified bind mounts.
func (b *Builder) addExtraBinds(binds []string) error {
	for _, bind := range binds {
		source, dest, mode, err := parseBindSpec(bind)
		if err != nil {
			return err
		}
		if mode == MountModeRO {
			b.args = append(b.args, "--ro-bind", source, dest)
		} else {
			b.args = append(b.args, "--bind", source, dest)
		}
	}
	return nil
}

// parseBindSpec parses a bind specification in format "source:dest[:mode]".
// Paths with colons are not supported.
func parseBindSpec(spec string) (source, dest, mode string, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", fmt.Errorf("invalid bind spec %q: must be source:dest[:mode]", spec)
	}

	source = parts[0]
	dest = parts[1]
	mode = MountModeRW

	if len(parts) == 3 {
		if parts[2] != MountModeRO && parts[2] != MountModeRW {
			return "", "", "", fmt.Errorf("invalid bind mode %q: must be ro or rw", parts[2])
		}
		mode = parts[2]
	}

	return source, dest, mode, nil
}

// pathHierarchy returns all directories in a path from root to the full path.
// For example, "/home/gantry" returns ["/home", "/home/gantry"].
func pathHierarchy(path string) []string {
	path = filepath.Clean(path)
	if path == "/" || path == "." {
		return nil
	}

	var components []string
	for current := path; current != "/" && current != "."; current = filepath.Dir(current) {
		components = append(components, current)
	}

	// Reverse to get root-to-leaf order.
	result := make([]string, 0, len(components))
	for i := len(components) - 1; i >= 0; i-- {
		result = append(result, components[i])
	}
	return result
}

// RequireUnprivileged returns an error when the current process runs as
// root. Jobs execute with the runner's identity, and when the sandbox is
// skipped that identity is the only boundary left.
func RequireUnprivileged() error {
	if os.Geteuid() == 0 {
		return fmt.Errorf("refusing to run job commands as root: run the gantry runner as an unprivileged user")
	}
	return nil
}
