// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile reads runner-local default environment variables from a
// dotenv file. The values are merged into job environments at the lowest
// precedence: pipeline and trigger variables override them.
//
// The file may carry credentials, so group- or other-readable files are
// rejected outright.
func LoadEnvFile(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	if mode := info.Mode(); mode&0o066 != 0 {
		return nil, fmt.Errorf("env file %s has mode %o: must not be group- or other-readable", path, mode.Perm())
	}

	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("parsing env file %s: %w", path, err)
	}
	return vars, nil
}
