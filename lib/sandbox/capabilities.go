// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"os/exec"
	"strings"
)

// Capabilities describes what sandbox features are available on this host.
type Capabilities struct {
	// BwrapAvailable is true if bubblewrap is installed.
	BwrapAvailable bool

	// BwrapPath is the resolved path to bwrap if available.
	BwrapPath string

	// BwrapVersion is the bwrap version string.
	BwrapVersion string

	// UserNamespacesEnabled is true if unprivileged user namespaces work.
	UserNamespacesEnabled bool
}

// Detect checks what sandbox features are available. The bwrap argument is
// the configured binary name or path; an empty string means "bwrap".
func Detect(bwrap string) *Capabilities {
	if bwrap == "" {
		bwrap = "bwrap"
	}

	caps := &Capabilities{}

	path, err := exec.LookPath(bwrap)
	if err != nil {
		return caps
	}
	caps.BwrapAvailable = true
	caps.BwrapPath = path

	if out, err := exec.Command(path, "--version").Output(); err == nil {
		caps.BwrapVersion = strings.TrimSpace(string(out))
	}

	caps.UserNamespacesEnabled = checkUserNamespaces(path)
	return caps
}

// CanRunSandbox returns true if sandboxed job execution is possible.
func (c *Capabilities) CanRunSandbox() bool {
	return c.BwrapAvailable && c.UserNamespacesEnabled
}

// SkipReason returns a human-readable reason why sandboxing isn't available,
// or empty string if it is available.
func (c *Capabilities) SkipReason() string {
	if !c.BwrapAvailable {
		return "bubblewrap not installed"
	}
	if !c.UserNamespacesEnabled {
		return "unprivileged user namespaces not enabled (set kernel.unprivileged_userns_clone=1)"
	}
	return ""
}

// checkUserNamespaces tests if unprivileged user namespaces work.
func checkUserNamespaces(bwrapPath string) bool {
	// First check the sysctl. File not existing usually means userns is
	// allowed.
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil && strings.TrimSpace(string(data)) == "0" {
		return false
	}

	// Then actually create a namespace: run true inside one.
	cmd := exec.Command(bwrapPath,
		"--unshare-user",
		"--ro-bind", "/", "/",
		"--",
		"true",
	)
	return cmd.Run() == nil
}
