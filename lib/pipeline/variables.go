// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// variablePattern matches ${NAME} references in strings. Only the
// braced form is recognized; bare $NAME is left for shell
// interpretation inside the job. Variable names must start with a
// letter or underscore and contain only letters, digits, and
// underscores.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveEnv merges the environment sources for a job (lowest to
// highest priority):
//
//  1. Declared env values from the pipeline, each expanded against
//     the trigger variables and the environ lookup
//  2. Trigger variables supplied by the runner (the GANTRY_* set)
//
// Trigger variables win so a declaration cannot spoof GANTRY_BRANCH
// or GANTRY_COMMIT. The environ function (typically os.Getenv, or a
// stub in tests) is consulted only for ${NAME} references inside
// declared values; the process environment is never bulk-imported
// into a job.
//
// Returns an error naming every unresolvable reference.
func ResolveEnv(declared map[string]string, trigger map[string]string, environ func(string) string) (map[string]string, error) {
	lookup := func(name string) (string, bool) {
		if value, exists := trigger[name]; exists {
			return value, true
		}
		if environ != nil {
			if value := environ(name); value != "" {
				return value, true
			}
		}
		return "", false
	}

	resolved := make(map[string]string, len(declared)+len(trigger))

	var failures []string
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		expanded, err := expandWith(declared[name], lookup)
		if err != nil {
			failures = append(failures, fmt.Sprintf("env[%s]: %v", name, err))
			continue
		}
		resolved[name] = expanded
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("resolving pipeline env: %s", strings.Join(failures, "; "))
	}

	for name, value := range trigger {
		resolved[name] = value
	}

	return resolved, nil
}

// Expand replaces ${NAME} references in input with values from the
// variables map. Only the ${NAME} form is recognized (braces
// required); bare $NAME passes through for the shell.
//
// Returns an error listing all referenced variables that have no
// value, so declarations fail before producing broken commands.
func Expand(input string, variables map[string]string) (string, error) {
	return expandWith(input, func(name string) (string, bool) {
		value, exists := variables[name]
		return value, exists
	})
}

func expandWith(input string, lookup func(string) (string, bool)) (string, error) {
	var unresolved []string

	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if value, exists := lookup(name); exists {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})

	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved variables: %s", strings.Join(unresolved, ", "))
	}
	return result, nil
}

// ExpandCommands returns a copy of commands with every ${NAME}
// reference substituted from variables. The input slice is not
// modified. Errors carry the failing index.
func ExpandCommands(commands []string, variables map[string]string) ([]string, error) {
	if len(commands) == 0 {
		return nil, nil
	}

	expanded := make([]string, len(commands))
	for index, command := range commands {
		result, err := Expand(command, variables)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", index, err)
		}
		expanded[index] = result
	}
	return expanded, nil
}
