// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/version"
)

// defaultCommandTimeout bounds a command when the spec carries no
// timeout of its own.
const defaultCommandTimeout = 50 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[executor] fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Usage: gantry-executor [--version] [job-spec-path]
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--version" {
		fmt.Println(version.Info())
		return nil
	}

	specPath := os.Getenv("GANTRY_JOB_SPEC")
	if len(args) > 0 {
		specPath = args[0]
	}
	if specPath == "" {
		return errors.New("no job spec: pass a spec path or set GANTRY_JOB_SPEC " +
			"(gantry-executor is normally invoked by gantry-runner)")
	}

	spec, err := build.LoadJobSpec(specPath)
	if err != nil {
		return err
	}

	timeout := defaultCommandTimeout
	if spec.Timeout != "" {
		if timeout, err = time.ParseDuration(spec.Timeout); err != nil {
			return fmt.Errorf("job spec timeout: %w", err)
		}
	}
	var gracePeriod time.Duration
	if spec.GracePeriod != "" {
		if gracePeriod, err = time.ParseDuration(spec.GracePeriod); err != nil {
			return fmt.Errorf("job spec grace_period: %w", err)
		}
	}

	// The result stream is optional: direct invocation during
	// debugging has no reader.
	var results *build.ResultLog
	if path := os.Getenv("GANTRY_RESULT_PATH"); path != "" {
		if results, err = build.CreateResultLog(path); err != nil {
			return err
		}
		defer results.Close()
	}

	// SIGTERM arrives when the runner shuts down or escalates a stuck
	// job. Cancellation kills the in-flight command's process group;
	// the interruption is recorded in the result stream before exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	ex := newExecution(spec, results, timeout, gracePeriod)
	result := ex.run(ctx)

	switch result.Conclusion {
	case build.ConclusionSuccess:
		return nil
	case build.ConclusionInterrupted:
		return errors.New("job interrupted")
	default:
		if result.FailedCommand != "" {
			return fmt.Errorf("%q failed: %s", result.FailedCommand, result.ErrorMessage)
		}
		return errors.New(result.ErrorMessage)
	}
}
