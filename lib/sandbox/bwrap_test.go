// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"strings"
	"testing"
)

func TestBuilder(t *testing.T) {
	profile := &Profile{
		Filesystem: []Mount{
			{Source: "/work/varats/142-1", Dest: "/work/varats/142-1", Mode: "rw"},
			{Source: "/usr", Dest: "/usr", Mode: "ro"},
			{Dest: "/tmp", Type: "tmpfs"},
		},
		Namespaces: NamespaceConfig{
			PID: true,
			IPC: true,
			UTS: true,
		},
		Security: SecurityConfig{
			NewSession:    true,
			DieWithParent: true,
		},
		Environment: map[string]string{
			"PATH": "/usr/bin",
			"HOME": "/home/gantry",
		},
	}

	builder := NewBuilder()
	args, err := builder.Build(&BuildOptions{
		Profile: profile,
		Command: []string{"/usr/bin/gantry-executor"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	argStr := strings.Join(args, " ")

	// Check namespaces. Net stays shared.
	if !strings.Contains(argStr, "--unshare-pid") {
		t.Error("missing --unshare-pid")
	}
	if !strings.Contains(argStr, "--unshare-ipc") {
		t.Error("missing --unshare-ipc")
	}
	if !strings.Contains(argStr, "--unshare-uts") {
		t.Error("missing --unshare-uts")
	}
	if strings.Contains(argStr, "--unshare-net") {
		t.Error("network should not be unshared")
	}

	// Check security.
	if !strings.Contains(argStr, "--new-session") {
		t.Error("missing --new-session")
	}
	if !strings.Contains(argStr, "--die-with-parent") {
		t.Error("missing --die-with-parent")
	}

	// Check filesystem.
	if !strings.Contains(argStr, "--bind /work/varats/142-1 /work/varats/142-1") {
		t.Error("missing workspace bind")
	}
	if !strings.Contains(argStr, "--ro-bind /usr /usr") {
		t.Error("missing /usr ro-bind")
	}
	if !strings.Contains(argStr, "--tmpfs /tmp") {
		t.Error("missing tmpfs /tmp")
	}

	// Check environment.
	if !strings.Contains(argStr, "--clearenv") {
		t.Error("missing --clearenv")
	}
	if !strings.Contains(argStr, "--setenv HOME /home/gantry") {
		t.Error("missing HOME env")
	}
	if !strings.Contains(argStr, "--setenv PATH /usr/bin") {
		t.Error("missing PATH env")
	}

	// Check command separator and command.
	if !strings.Contains(argStr, "-- /usr/bin/gantry-executor") {
		t.Error("missing command")
	}
}

func TestBuilderTmpfsParentDirs(t *testing.T) {
	profile := &Profile{
		Filesystem: []Mount{
			{Dest: SandboxHome, Type: "tmpfs"},
		},
	}

	builder := NewBuilder()
	args, err := builder.Build(&BuildOptions{
		Profile: profile,
		Command: []string{"true"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	argStr := strings.Join(args, " ")
	// /home must exist before the tmpfs can mount under it.
	if !strings.Contains(argStr, "--dir /home --tmpfs /home/gantry") {
		t.Errorf("missing parent dir before tmpfs: %s", argStr)
	}
}

func TestBuilderExtraBinds(t *testing.T) {
	profile := &Profile{
		Namespaces: NamespaceConfig{PID: true},
	}

	builder := NewBuilder()
	args, err := builder.Build(&BuildOptions{
		Profile: profile,
		ExtraBinds: []string{
			"/opt/shared-wheels:/opt/shared-wheels:ro",
			"/srv/mirror:/srv/mirror:rw",
		},
		Command: []string{"true"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	argStr := strings.Join(args, " ")
	if !strings.Contains(argStr, "--ro-bind /opt/shared-wheels /opt/shared-wheels") {
		t.Error("missing ro extra bind")
	}
	if !strings.Contains(argStr, "--bind /srv/mirror /srv/mirror") {
		t.Error("missing rw extra bind")
	}
}

func TestBuilderExtraEnvOverridesProfile(t *testing.T) {
	profile := &Profile{
		Environment: map[string]string{"CI": "true", "LANG": "C"},
	}

	builder := NewBuilder()
	args, err := builder.Build(&BuildOptions{
		Profile:  profile,
		ExtraEnv: map[string]string{"LANG": "C.UTF-8"},
		Command:  []string{"true"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	argStr := strings.Join(args, " ")
	if !strings.Contains(argStr, "--setenv LANG C.UTF-8") {
		t.Error("extra env should override profile env")
	}
	if strings.Contains(argStr, "--setenv LANG C ") {
		t.Error("profile LANG value should be overridden")
	}
}

func TestBuilderValidation(t *testing.T) {
	builder := NewBuilder()

	// Missing profile.
	if _, err := builder.Build(&BuildOptions{Command: []string{"true"}}); err == nil {
		t.Error("expected error for missing profile")
	}

	// Missing command.
	if _, err := builder.Build(&BuildOptions{Profile: &Profile{}}); err == nil {
		t.Error("expected error for missing command")
	}

	// Invalid profile (bind without source).
	_, err := builder.Build(&BuildOptions{
		Profile: &Profile{Filesystem: []Mount{{Dest: "/data"}}},
		Command: []string{"true"},
	})
	if err == nil {
		t.Error("expected error for bind mount without source")
	}
}

func TestParseBindSpec(t *testing.T) {
	tests := []struct {
		spec       string
		wantSource string
		wantDest   string
		wantMode   string
		wantErr    bool
	}{
		{"/src:/dest", "/src", "/dest", "rw", false},
		{"/src:/dest:ro", "/src", "/dest", "ro", false},
		{"/src:/dest:rw", "/src", "/dest", "rw", false},
		{"invalid", "", "", "", true},
		{"/src:/dest:invalid", "", "", "", true},
		{"/a:/b:/c:/d", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			source, dest, mode, err := parseBindSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if source != tt.wantSource {
				t.Errorf("source = %q, want %q", source, tt.wantSource)
			}
			if dest != tt.wantDest {
				t.Errorf("dest = %q, want %q", dest, tt.wantDest)
			}
			if mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", mode, tt.wantMode)
			}
		})
	}
}

func TestPathHierarchy(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"/home/gantry/.cache/pip", []string{"/home", "/home/gantry", "/home/gantry/.cache", "/home/gantry/.cache/pip"}},
		{"/usr", []string{"/usr"}},
		{"/", nil},
		{".", nil},
		{"/a/b", []string{"/a", "/a/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := pathHierarchy(tt.input)
			if len(result) != len(tt.expected) {
				t.Errorf("pathHierarchy(%q) = %v, want %v", tt.input, result, tt.expected)
				return
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("pathHierarchy(%q)[%d] = %q, want %q", tt.input, i, v, tt.expected[i])
				}
			}
		})
	}
}
