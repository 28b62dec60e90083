// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package checkout

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

func TestCloneOptionsShallowSingleBranch(t *testing.T) {
	opts := cloneOptions(Options{
		URL:    "https://github.com/se-sic/VaRA-Tool-Suite.git",
		Branch: "vara-dev",
	})

	if opts.Depth != DefaultDepth {
		t.Errorf("Depth = %d, want %d", opts.Depth, DefaultDepth)
	}
	if !opts.SingleBranch {
		t.Error("branch clones should be single-branch")
	}
	if got := opts.ReferenceName.String(); got != "refs/heads/vara-dev" {
		t.Errorf("ReferenceName = %q", got)
	}
	if opts.Tags.String() == "all-tags" {
		t.Error("tags should not be fetched")
	}
}

func TestCloneOptionsFullDepth(t *testing.T) {
	opts := cloneOptions(Options{URL: "https://example.com/r.git", Depth: FullDepth})
	// go-git treats zero as unlimited history.
	if opts.Depth != 0 {
		t.Errorf("Depth = %d, want 0 for full clones", opts.Depth)
	}
}

func TestCloneOptionsDefaultBranch(t *testing.T) {
	opts := cloneOptions(Options{URL: "https://example.com/r.git"})
	if opts.SingleBranch {
		t.Error("default-branch clones should not force single-branch")
	}
	if opts.ReferenceName != "" {
		t.Errorf("ReferenceName = %q, want empty", opts.ReferenceName)
	}
}

func TestCloneValidation(t *testing.T) {
	ctx := context.Background()

	if err := Clone(ctx, Options{Dir: t.TempDir()}); err == nil {
		t.Error("expected error for missing URL")
	}
	if err := Clone(ctx, Options{URL: "https://example.com/r.git"}); err == nil {
		t.Error("expected error for missing directory")
	}

	err := Clone(ctx, Options{
		URL:    "https://example.com/r.git",
		Dir:    t.TempDir(),
		Commit: "not-a-sha",
	})
	if err == nil || !strings.Contains(err.Error(), "40-character hex SHA") {
		t.Errorf("expected SHA validation error, got %v", err)
	}
}

func TestIsCommitSHA(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"0717e24a386e43d4de40545c0dd41fae7a285679", true},
		{"0717E24A386E43D4DE40545C0DD41FAE7A285679", true},
		{"0717e24", false},
		{"", false},
		{"gggge24a386e43d4de40545c0dd41fae7a285679", false},
		{"0717e24a386e43d4de40545c0dd41fae7a28567", false},
	}
	for _, tt := range tests {
		if got := isCommitSHA(tt.input); got != tt.want {
			t.Errorf("isCommitSHA(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	auth := TokenAuth("ghp-secret")
	basic, ok := auth.(*githttp.BasicAuth)
	if !ok {
		t.Fatalf("TokenAuth returned %T, want *githttp.BasicAuth", auth)
	}
	if basic.Password != "ghp-secret" {
		t.Errorf("Password = %q", basic.Password)
	}
	if basic.Username == "" {
		t.Error("Username must be non-empty for token auth")
	}
}

func TestSSHKeyAuthErrors(t *testing.T) {
	if _, err := SSHKeyAuth(filepath.Join(t.TempDir(), "absent"), ""); err == nil {
		t.Error("expected error for missing key file")
	}

	bad := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := SSHKeyAuth(bad, ""); err == nil {
		t.Error("expected error for malformed key file")
	}
}
