// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache saves and restores per-pipeline dependency caches.
//
// A cache is a snapshot of declared directories (pip caches, virtualenvs,
// downloaded toolchains) taken after a fully successful script phase and
// restored, best-effort, before the next build's install phase. Snapshots
// are tar archives compressed with lz4: caches are written once per green
// build but restored on every build, so cheap decompression wins over
// ratio.
//
// Archives are keyed by repository, toolchain version, and a digest of the
// declaration fields that shape the cached content. Any change to the
// package set or the install commands starts a fresh cache rather than
// restoring a stale one.
package cache

import (
	"archive/tar"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/gantry-ci/gantry/lib/pipeline"
)

// keyDomainKey is the BLAKE3 keyed-hash domain for cache keys. Changing
// it orphans all existing archives.
var keyDomainKey = [32]byte{
	'g', 'a', 'n', 't', 'r', 'y', '.', 'c', 'a', 'c', 'h', 'e', '.', 'k', 'e', 'y',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Key derives the archive key for one matrix slot of a pipeline. The
// digest covers the fields whose change invalidates cached dependencies:
// the language, the version, the package set (order-insensitive), the
// install commands, and the cache directory list itself.
func Key(repo string, declaration *pipeline.Pipeline, version string) string {
	packages := append([]string(nil), declaration.Packages...)
	sort.Strings(packages)

	payload := struct {
		Repo     string   `json:"repo"`
		Language string   `json:"language"`
		Version  string   `json:"version"`
		Packages []string `json:"packages"`
		Install  []string `json:"install"`
		Cache    []string `json:"cache"`
	}{repo, declaration.Language, version, packages, declaration.Install, declaration.Cache}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshaling a struct of strings cannot fail.
		panic("cache: key payload marshal failed: " + err.Error())
	}

	hasher, err := blake3.NewKeyed(keyDomainKey[:])
	if err != nil {
		panic("cache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	digest := hex.EncodeToString(hasher.Sum(nil))

	return fmt.Sprintf("%s-%s-%s", sanitizeKeyPart(repo), sanitizeKeyPart(version), digest[:16])
}

func sanitizeKeyPart(s string) string {
	var b strings.Builder
	for _, char := range s {
		switch {
		case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z',
			char >= '0' && char <= '9', char == '-', char == '_', char == '.':
			b.WriteRune(char)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Layout tells the store where declared directories live for this job.
type Layout struct {
	// Home is the target of ~ expansion (the sandbox home).
	Home string

	// WorkDir anchors relative directories (the checkout root).
	WorkDir string
}

// Resolve maps a declared cache directory to an absolute path. Declared
// paths are workspace-relative or ~-prefixed; absolute paths are
// rejected, they would reach outside the job's world.
func (l Layout) Resolve(declared string) (string, error) {
	if declared == "" {
		return "", fmt.Errorf("empty cache directory")
	}
	if strings.Contains(declared, "..") {
		return "", fmt.Errorf("cache directory %q must not contain ..", declared)
	}
	if declared == "~" {
		return l.Home, nil
	}
	if rest, ok := strings.CutPrefix(declared, "~/"); ok {
		return filepath.Join(l.Home, rest), nil
	}
	if filepath.IsAbs(declared) {
		return "", fmt.Errorf("cache directory %q must be workspace-relative or ~-prefixed", declared)
	}
	return filepath.Join(l.WorkDir, declared), nil
}

// Store holds cache archives in a flat directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) archivePath(key string) string {
	return filepath.Join(s.dir, key+".tar.lz4")
}

// Save snapshots the declared directories under key. Directories that do
// not exist are skipped; an archive is written only when at least one
// entry was collected. The archive is written to a temporary file and
// renamed, so a concurrent Restore never sees a partial archive.
func (s *Store) Save(layout Layout, dirs []string, key string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache store: %w", err)
	}

	temporaryPath := s.archivePath(key) + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating cache archive: %w", err)
	}

	compressor := lz4.NewWriter(file)
	archive := tar.NewWriter(compressor)

	entries := 0
	for _, declared := range dirs {
		count, err := addTree(archive, layout, declared)
		if err != nil {
			archive.Close()
			compressor.Close()
			file.Close()
			os.Remove(temporaryPath)
			return err
		}
		entries += count
	}

	// Close in reverse order; the first failure wins.
	closeErr := archive.Close()
	if err := compressor.Close(); closeErr == nil {
		closeErr = err
	}
	if err := file.Close(); closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("finalizing cache archive: %w", closeErr)
	}

	if entries == 0 {
		os.Remove(temporaryPath)
		return nil
	}

	if err := os.Rename(temporaryPath, s.archivePath(key)); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("storing cache archive: %w", err)
	}
	return nil
}

// Restore unpacks the archive for key into the layout. Returns false
// when no archive exists for the key; that is the normal first-build
// case, not an error.
func (s *Store) Restore(layout Layout, key string) (bool, error) {
	file, err := os.Open(s.archivePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening cache archive: %w", err)
	}
	defer file.Close()

	archive := tar.NewReader(lz4.NewReader(file))
	for {
		header, err := archive.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("reading cache archive %s: %w", key, err)
		}
		if err := extractEntry(archive, header, layout); err != nil {
			return false, err
		}
	}
}

// addTree walks one declared directory and writes its entries to the
// archive. Entry names keep the declared prefix so restoration is
// position-independent: "~/.cache/pip/wheel.whl" unpacks under whatever
// home the next job gets.
func addTree(archive *tar.Writer, layout Layout, declared string) (int, error) {
	root, err := layout.Resolve(declared)
	if err != nil {
		return 0, err
	}
	if _, err := os.Lstat(root); os.IsNotExist(err) {
		return 0, nil
	}

	count := 0
	walkErr := filepath.Walk(root, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(filePath); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, devices, pipes: not cacheable.
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(root, filePath)
		if err != nil {
			return err
		}
		header.Name = path.Join(declared, filepath.ToSlash(relative))
		if info.IsDir() {
			header.Name += "/"
		}

		if err := archive.WriteHeader(header); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			source, err := os.Open(filePath)
			if err != nil {
				return err
			}
			_, err = io.Copy(archive, source)
			source.Close()
			if err != nil {
				return err
			}
		}
		count++
		return nil
	})
	if walkErr != nil {
		return 0, fmt.Errorf("archiving %s: %w", declared, walkErr)
	}
	return count, nil
}

func extractEntry(archive *tar.Reader, header *tar.Header, layout Layout) error {
	target, err := layout.Resolve(header.Name)
	if err != nil {
		return fmt.Errorf("cache entry %q: %w", header.Name, err)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
			return fmt.Errorf("restoring directory %s: %w", header.Name, err)
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("restoring %s: %w", header.Name, err)
		}
		destination, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, header.FileInfo().Mode().Perm())
		if err != nil {
			return fmt.Errorf("restoring %s: %w", header.Name, err)
		}
		_, err = io.Copy(destination, archive)
		if closeErr := destination.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("restoring %s: %w", header.Name, err)
		}

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("restoring %s: %w", header.Name, err)
		}
		os.Remove(target)
		if err := os.Symlink(header.Linkname, target); err != nil {
			return fmt.Errorf("restoring symlink %s: %w", header.Name, err)
		}
	}
	return nil
}
