// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Job executor for Gantry builds. Reads a fully-resolved job spec
// (written by gantry-runner), runs the job's command phases inside
// whatever isolation the runner chose, and streams structured results
// back over a JSONL file.
//
// The executor is deliberately dumb: no declaration parsing, no secret
// decryption, no toolchain lookup. Everything a job needs is in the
// spec (resolved environment, expanded commands, cache coordinates).
// That keeps the sandboxed side of the runner/executor boundary free
// of credential material beyond the values the job itself uses.
//
// Inputs come from the environment the runner sets:
//
//	GANTRY_JOB_SPEC    path to the spec JSON (or pass a path argument)
//	GANTRY_RESULT_PATH path for the JSONL result stream (optional;
//	                   without it results go nowhere, which is fine
//	                   for direct invocation during debugging)
//
// Phases run in order: provision, install, script, then after_success
// or after_failure. The first nonzero exit in a required phase fails
// the job and skips the remaining required commands; after_failure
// then runs best-effort. after_success runs only on a fully green job,
// and a nonzero exit there still fails the job.
//
// The dependency cache is restored before install and saved after a
// fully successful script phase. Cache operations are best-effort:
// a damaged archive costs a cold build, never a failed one.
//
// Stdout and stderr are inherited by every command; the runner
// captures the combined stream as the job log. On SIGTERM the
// in-flight command's process group is killed and the interruption is
// recorded in the result stream before exit.
package main
