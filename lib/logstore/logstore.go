// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package logstore persists job logs.
//
// Logs are sanitized before storage: secret values are masked (longest
// match first, so a secret that contains another secret never leaks a
// fragment), then ANSI escape sequences are stripped. The sanitized bytes
// are zstd-compressed at rest and addressed by their BLAKE3 hash, so
// identical logs share one file and an ID can be handed out before the
// consumer decides whether to fetch the content.
package logstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Mask replaces secret values in stored logs.
const Mask = "[secure]"

// logDomainKey is the BLAKE3 keyed-hash domain for log content. Changing
// it invalidates all existing log IDs.
var logDomainKey = [32]byte{
	'g', 'a', 'n', 't', 'r', 'y', '.', 'l', 'o', 'g', 's', 't', 'o', 'r', 'e', '.',
	'l', 'o', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// zstdEncoder and zstdDecoder are reused across calls. Both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("logstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("logstore: zstd decoder initialization failed: " + err.Error())
	}
}

// Store is a content-addressed log store rooted at a directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory is created on
// first Put.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Put sanitizes raw log bytes, compresses them, and stores them. Returns
// the log ID. Storing the same content twice is a no-op returning the
// same ID.
func (s *Store) Put(raw []byte, secrets []string) (string, error) {
	sanitized := Sanitize(raw, secrets)
	id := contentID(sanitized)

	path := filepath.Join(s.dir, id+".log.zst")
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log store directory: %w", err)
	}

	compressed := zstdEncoder.EncodeAll(sanitized, nil)

	// Write to a temporary file and rename so readers never see a
	// partial log.
	temporaryPath := path + ".tmp"
	if err := os.WriteFile(temporaryPath, compressed, 0o644); err != nil {
		return "", fmt.Errorf("writing log %s: %w", id, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return "", fmt.Errorf("storing log %s: %w", id, err)
	}
	return id, nil
}

// Get returns the decompressed log for an ID.
func (s *Store) Get(id string) ([]byte, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading log %s: %w", id, err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing log %s: %w", id, err)
	}
	return data, nil
}

// Path returns the on-disk path of a stored log's compressed bytes. The
// ID is validated first so a crafted ID cannot escape the store
// directory.
func (s *Store) Path(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+".log.zst"), nil
}

// Sanitize masks secret values and strips ANSI escape sequences. Masking
// runs first: a secret value could contain bytes that the ANSI strip
// would otherwise rewrite, breaking the match.
func Sanitize(raw []byte, secrets []string) []byte {
	text := string(raw)

	if len(secrets) > 0 {
		ordered := make([]string, 0, len(secrets))
		for _, secret := range secrets {
			if secret != "" {
				ordered = append(ordered, secret)
			}
		}
		// Longest first, so overlapping secrets mask completely.
		sort.Slice(ordered, func(i, j int) bool {
			return len(ordered[i]) > len(ordered[j])
		})
		for _, secret := range ordered {
			text = strings.ReplaceAll(text, secret, Mask)
		}
	}

	return []byte(ansi.Strip(text))
}

func contentID(data []byte) string {
	hasher, err := blake3.NewKeyed(logDomainKey[:])
	if err != nil {
		panic("logstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

func validateID(id string) error {
	if len(id) != 64 {
		return fmt.Errorf("invalid log ID %q: want 64 hex characters", id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Errorf("invalid log ID %q: %w", id, err)
	}
	return nil
}
