// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "fmt"

// restoreCache unpacks the job's dependency cache before the install
// phase. Best-effort: a missing archive is the normal first-build
// case, a damaged one costs a cold build but never fails the job.
func (ex *execution) restoreCache() {
	if ex.caches == nil {
		return
	}
	restored, err := ex.caches.Restore(ex.layout, ex.spec.CacheKey)
	if err != nil {
		fmt.Printf("[executor] warning: cache restore failed: %v\n", err)
		return
	}
	if restored {
		fmt.Printf("[executor] cache restored (%s)\n", ex.spec.CacheKey)
	} else {
		fmt.Printf("[executor] no cache for %s, starting cold\n", ex.spec.CacheKey)
	}
}

// saveCache snapshots the declared cache directories after a fully
// green script phase. Failures are reported but never fail the job.
func (ex *execution) saveCache() {
	if ex.caches == nil {
		return
	}
	if err := ex.caches.Save(ex.layout, ex.spec.CacheDirs, ex.spec.CacheKey); err != nil {
		fmt.Printf("[executor] warning: cache save failed: %v\n", err)
		return
	}
	fmt.Printf("[executor] cache saved (%s)\n", ex.spec.CacheKey)
}
