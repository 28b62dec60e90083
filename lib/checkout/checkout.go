// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkout clones the repository under test into a job workspace.
//
// Clones are shallow by default: build commits are almost always within the
// last few dozen commits of the branch tip, and a full history clone of a
// research repository can be orders of magnitude larger than the tree. When
// the requested commit is outside the shallow window the clone falls back to
// full history once and retries the checkout.
package checkout

import (
	"context"
	"fmt"
	"io"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// DefaultDepth is the shallow clone depth when Options.Depth is zero.
const DefaultDepth = 50

// FullDepth requests a full history clone.
const FullDepth = -1

// Options holds the parameters for cloning a repository into a workspace.
type Options struct {
	// URL is the clone URL (https or ssh).
	URL string

	// Branch selects the branch to clone. Empty means the default branch.
	Branch string

	// Commit is the SHA to check out after cloning. Empty means the
	// branch tip.
	Commit string

	// Depth limits the clone history. Zero means DefaultDepth; FullDepth
	// clones everything.
	Depth int

	// Dir is the target directory. It must be empty or absent.
	Dir string

	// Auth is the transport credential, or nil for anonymous clones.
	Auth transport.AuthMethod

	// Progress receives transfer progress output when set.
	Progress io.Writer
}

// TokenAuth returns the credential for an https clone URL with a forge
// access token.
func TokenAuth(token string) transport.AuthMethod {
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}
}

// SSHKeyAuth loads a private key file for ssh clone URLs.
func SSHKeyAuth(path, passphrase string) (transport.AuthMethod, error) {
	auth, err := gitssh.NewPublicKeysFromFile("git", path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("loading ssh key %s: %w", path, err)
	}
	return auth, nil
}

// Clone clones the repository described by opts into opts.Dir and checks
// out the requested commit.
func Clone(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return fmt.Errorf("clone URL is required")
	}
	if opts.Dir == "" {
		return fmt.Errorf("target directory is required")
	}
	if opts.Commit != "" && !isCommitSHA(opts.Commit) {
		return fmt.Errorf("invalid commit %q: must be a 40-character hex SHA", opts.Commit)
	}

	cloneOpts := cloneOptions(opts)
	repository, err := git.PlainCloneContext(ctx, opts.Dir, false, cloneOpts)
	if err != nil {
		return fmt.Errorf("cloning %s: %w", opts.URL, err)
	}

	if opts.Commit == "" {
		return nil
	}

	if err := checkoutCommit(repository, opts.Commit); err == nil {
		return nil
	}

	// The commit is outside the shallow window. Re-clone with full
	// history and try once more.
	if err := os.RemoveAll(opts.Dir); err != nil {
		return fmt.Errorf("clearing %s for full clone: %w", opts.Dir, err)
	}
	fullOpts := cloneOptions(opts)
	fullOpts.Depth = 0
	repository, err = git.PlainCloneContext(ctx, opts.Dir, false, fullOpts)
	if err != nil {
		return fmt.Errorf("full clone of %s: %w", opts.URL, err)
	}
	if err := checkoutCommit(repository, opts.Commit); err != nil {
		return fmt.Errorf("commit %s not found in %s: %w", opts.Commit, opts.URL, err)
	}
	return nil
}

// cloneOptions translates Options into go-git clone options.
func cloneOptions(opts Options) *git.CloneOptions {
	depth := opts.Depth
	switch {
	case depth == 0:
		depth = DefaultDepth
	case depth < 0:
		depth = 0 // go-git: zero depth means full history
	}

	cloneOpts := &git.CloneOptions{
		URL:      opts.URL,
		Auth:     opts.Auth,
		Depth:    depth,
		Tags:     git.NoTags,
		Progress: opts.Progress,
	}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		cloneOpts.SingleBranch = true
	}
	return cloneOpts
}

func checkoutCommit(repository *git.Repository, commit string) error {
	worktree, err := repository.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit)}); err != nil {
		return fmt.Errorf("checking out %s: %w", commit, err)
	}
	return nil
}

// HeadCommit returns the SHA the working tree at dir has checked out.
func HeadCommit(dir string) (string, error) {
	repository, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening repository at %s: %w", dir, err)
	}
	head, err := repository.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// HeadBranch returns the branch name the working tree at dir has
// checked out, or "" when HEAD is detached.
func HeadBranch(dir string) (string, error) {
	repository, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening repository at %s: %w", dir, err)
	}
	head, err := repository.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

func isCommitSHA(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, char := range s {
		switch {
		case char >= '0' && char <= '9':
		case char >= 'a' && char <= 'f':
		case char >= 'A' && char <= 'F':
		default:
			return false
		}
	}
	return true
}
