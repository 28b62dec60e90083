// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gantry-ci/gantry/lib/sealed"
	"github.com/gantry-ci/gantry/lib/secret"
)

func TestSecretKeygenWritesKey(t *testing.T) {
	t.Parallel()

	outPath := filepath.Join(t.TempDir(), "gantry.key")
	cmd := secretKeygenCommand()
	if err := cmd.Flags().Parse([]string{"--out", outPath}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	if err := cmd.Run(nil); err != nil {
		t.Fatalf("keygen: %v", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("key file mode = %o, want 600", mode)
	}

	key, err := secret.ReadFromPath(outPath)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer key.Close()
	if err := sealed.ParsePrivateKey(key); err != nil {
		t.Errorf("generated key does not parse: %v", err)
	}
}

func TestSecretKeygenRefusesOverwrite(t *testing.T) {
	t.Parallel()

	outPath := filepath.Join(t.TempDir(), "gantry.key")
	if err := os.WriteFile(outPath, []byte("existing"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := secretKeygenCommand()
	if err := cmd.Flags().Parse([]string{"--out", outPath}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	err := cmd.Run(nil)
	if err == nil {
		t.Fatal("expected error for existing key file")
	}
	if !strings.Contains(err.Error(), "refusing to overwrite") {
		t.Errorf("error %q should refuse the overwrite", err.Error())
	}

	data, readErr := os.ReadFile(outPath)
	if readErr != nil {
		t.Fatalf("ReadFile: %v", readErr)
	}
	if string(data) != "existing" {
		t.Error("existing key file was modified")
	}
}

func TestSecretKeygenRequiresOut(t *testing.T) {
	t.Parallel()

	cmd := secretKeygenCommand()
	err := cmd.Run(nil)
	if err == nil {
		t.Fatal("expected error for missing --out")
	}
	if !strings.Contains(err.Error(), "--out is required") {
		t.Errorf("error %q should mention --out", err.Error())
	}
}

func TestSecretEncryptRejectsArgs(t *testing.T) {
	t.Parallel()

	cmd := secretEncryptCommand()
	err := cmd.Run([]string{"my-secret-value"})
	if err == nil {
		t.Fatal("expected error for positional argument")
	}
	if !strings.Contains(err.Error(), "stdin") {
		t.Errorf("error %q should point at stdin", err.Error())
	}
}

func TestSecretEncryptRequiresKey(t *testing.T) {
	t.Parallel()

	cmd := secretEncryptCommand()
	err := cmd.Run(nil)
	if err == nil {
		t.Fatal("expected error for missing --key")
	}
	if !strings.Contains(err.Error(), "--key is required") {
		t.Errorf("error %q should mention --key", err.Error())
	}
}

func TestSecretDecryptRequiresKeyFile(t *testing.T) {
	t.Parallel()

	cmd := secretDecryptCommand()
	err := cmd.Run([]string{"c29tZS1jaXBoZXJ0ZXh0"})
	if err == nil {
		t.Fatal("expected error for missing --key-file")
	}
	if !strings.Contains(err.Error(), "--key-file is required") {
		t.Errorf("error %q should mention --key-file", err.Error())
	}
}

func TestSecretDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	keyPath := filepath.Join(t.TempDir(), "gantry.key")
	if err := os.WriteFile(keyPath, []byte(keypair.PrivateKey.String()+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ciphertext, err := sealed.Encrypt([]byte("hunter2"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cmd := secretDecryptCommand()
	if err := cmd.Flags().Parse([]string{"--key-file", keyPath}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	if err := cmd.Run([]string{ciphertext}); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
}
