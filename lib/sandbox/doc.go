// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox creates isolated execution environments for CI jobs using
// bubblewrap (bwrap) Linux namespaces.
//
// A [Profile] declares the filesystem mounts, namespace isolation flags,
// environment variables, and directories a job sandbox gets. [JobProfile]
// constructs the standard CI job profile: read-only binds of the host system
// directories, a tmpfs home, the job workspace bound read-write at its host
// path, and the network namespace shared with the host (package installation
// and repository clones need it). There is no implicit host filesystem
// visibility; every mount is declared.
//
// [Builder] translates a Profile into bwrap command-line arguments. The
// environment is always cleared and rebuilt from the profile's computed set,
// so jobs never inherit runner environment variables.
//
// [Capabilities] probes the host for bwrap and unprivileged user namespace
// support. When sandboxing is unavailable the runner's no_bwrap policy
// decides whether jobs run unsandboxed or fail; either way
// [RequireUnprivileged] refuses to execute job commands as root.
package sandbox
