// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/sealed"
	"github.com/gantry-ci/gantry/lib/secret"
)

// secretCommand returns the "secret" command group.
func secretCommand() *cli.Command {
	return &cli.Command{
		Name:    "secret",
		Summary: "Manage encrypted declaration secrets",
		Description: `Manage the age-encrypted values of a declaration's "secrets" map.

The runner holds an age identity (runner.secret_key_file in its
configuration). Anyone with the matching public key can encrypt a
value; only the runner can decrypt it. Ciphertexts are safe to
commit: they ride along in the declaration file and the runner
injects the plaintexts as environment variables at job start,
scrubbing them from stored logs.`,
		Subcommands: []*cli.Command{
			secretKeygenCommand(),
			secretEncryptCommand(),
			secretDecryptCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Generate the runner's keypair",
				Command:     "gantry secret keygen --out /etc/gantry/secret.key",
			},
			{
				Description: "Encrypt a token for the declaration",
				Command:     "echo -n \"$CODECOV_TOKEN\" | gantry secret encrypt --key age1...",
			},
			{
				Description: "Check what a ciphertext decrypts to",
				Command:     "gantry secret decrypt --key-file /etc/gantry/secret.key <ciphertext>",
			},
		},
	}
}

func secretKeygenCommand() *cli.Command {
	var outPath string

	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a runner keypair",
		Description: `Generate an age x25519 keypair. The private key is written to --out
with mode 0600; the public key is printed to stdout for distribution
to everyone who needs to encrypt secrets for this runner.

Point runner.secret_key_file at the private key file.`,
		Usage: "gantry secret keygen --out <file>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&outPath, "out", "", "file to write the private key to")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("usage: gantry secret keygen --out <file>")
			}
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("%s already exists; refusing to overwrite a key", outPath)
			}

			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			defer keypair.Close()

			key := append([]byte(nil), keypair.PrivateKey.Bytes()...)
			key = append(key, '\n')
			err = os.WriteFile(outPath, key, 0o600)
			secret.Zero(key)
			if err != nil {
				return fmt.Errorf("writing private key: %w", err)
			}

			fmt.Fprintf(os.Stderr, "private key written to %s\n", outPath)
			fmt.Fprintln(os.Stdout, keypair.PublicKey)
			return nil
		},
	}
}

func secretEncryptCommand() *cli.Command {
	var recipientKeys []string

	return &cli.Command{
		Name:    "encrypt",
		Summary: "Encrypt a secret value",
		Description: `Encrypt a value for one or more runner public keys and print the
base64 ciphertext, ready to paste into a declaration's "secrets"
map.

The plaintext is read from stdin, never from arguments: command
lines are visible to every process on the machine. On a terminal
the value is prompted with echo disabled; when stdin is piped the
whole stream is the value, trailing newline included, so use
echo -n or printf.`,
		Usage: "gantry secret encrypt --key <age1...> [--key <age1...>]",
		Examples: []cli.Example{
			{
				Description: "Encrypt a deploy token",
				Command:     "printf %s \"$TOKEN\" | gantry secret encrypt --key age1...",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("encrypt", pflag.ContinueOnError)
			flagSet.StringArrayVar(&recipientKeys, "key", nil, "recipient public key (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("the value is read from stdin, not arguments")
			}
			if len(recipientKeys) == 0 {
				return fmt.Errorf("at least one --key is required")
			}
			for _, key := range recipientKeys {
				if err := sealed.ParsePublicKey(key); err != nil {
					return err
				}
			}

			plaintext, err := readEncryptValue()
			if err != nil {
				return err
			}
			if len(plaintext) == 0 {
				return fmt.Errorf("the value is empty")
			}
			defer secret.Zero(plaintext)

			ciphertext, err := sealed.Encrypt(plaintext, recipientKeys)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, ciphertext)
			return nil
		},
	}
}

// readEncryptValue reads the plaintext to encrypt. When stdin is piped
// the whole stream is the value. On a terminal it prompts with echo
// disabled so the value never lands in the scrollback.
func readEncryptValue() ([]byte, error) {
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		fmt.Fprint(os.Stderr, "Value: ")
		value, err := term.ReadPassword(stdinFd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading value: %w", err)
		}
		return value, nil
	}

	plaintext, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return plaintext, nil
}

func secretDecryptCommand() *cli.Command {
	var keyFile string

	return &cli.Command{
		Name:    "decrypt",
		Summary: "Decrypt a secret value",
		Description: `Decrypt a base64 ciphertext with the runner's private key and write
the plaintext to stdout, exactly as the runner would inject it.

The ciphertext comes from the argument, or from stdin when the
argument is "-".`,
		Usage: "gantry secret decrypt --key-file <file> <ciphertext>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("decrypt", pflag.ContinueOnError)
			flagSet.StringVar(&keyFile, "key-file", "", "private key file ('-' reads the key from stdin)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gantry secret decrypt --key-file <file> <ciphertext>")
			}
			if keyFile == "" {
				return fmt.Errorf("--key-file is required")
			}

			ciphertext := args[0]
			if ciphertext == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				ciphertext = strings.TrimSpace(string(data))
			}

			privateKey, err := secret.ReadFromPath(keyFile)
			if err != nil {
				return err
			}
			defer privateKey.Close()

			plaintext, err := sealed.Decrypt(ciphertext, privateKey)
			if err != nil {
				return err
			}
			defer plaintext.Close()

			_, err = os.Stdout.Write(plaintext.Bytes())
			return err
		},
	}
}
