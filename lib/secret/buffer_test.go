// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	t.Parallel()

	source := []byte("hook-signing-key")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "hook-signing-key" {
		t.Fatalf("String() = %q, want %q", got, "hook-signing-key")
	}
	if !bytes.Equal(source, make([]byte, len(source))) {
		t.Fatalf("source not zeroed: %q", source)
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Fatalf("New(%d) succeeded, want error", size)
		}
	}
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("NewFromBytes(nil) succeeded, want error")
	}
}

func TestEqualConstantTime(t *testing.T) {
	t.Parallel()

	buffer, err := NewFromBytes([]byte("token-value"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !buffer.Equal([]byte("token-value")) {
		t.Fatal("Equal returned false for identical contents")
	}
	if buffer.Equal([]byte("token-other")) {
		t.Fatal("Equal returned true for different contents")
	}
	if buffer.Equal([]byte("token")) {
		t.Fatal("Equal returned true for different lengths")
	}
}

func TestCloseIsIdempotentAndAccessPanics(t *testing.T) {
	t.Parallel()

	buffer, err := NewFromBytes([]byte("ephemeral"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestZero(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3, 4}
	Zero(data)
	if !bytes.Equal(data, []byte{0, 0, 0, 0}) {
		t.Fatalf("Zero left %v", data)
	}
}

func TestReadFromPath(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()

	path := filepath.Join(directory, "secret")
	if err := os.WriteFile(path, []byte("  s3cret-token\n"), 0o600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "s3cret-token" {
		t.Fatalf("ReadFromPath content = %q, want trimmed %q", got, "s3cret-token")
	}
}

func TestReadFromPathEmpty(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	path := filepath.Join(directory, "empty")
	if err := os.WriteFile(path, []byte("  \n \t"), 0o600); err != nil {
		t.Fatalf("writing empty file: %v", err)
	}

	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("ReadFromPath succeeded on whitespace-only file, want error")
	}
}

func TestReadFromPathMissing(t *testing.T) {
	t.Parallel()

	if _, err := ReadFromPath(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("ReadFromPath succeeded on missing file, want error")
	}
}
