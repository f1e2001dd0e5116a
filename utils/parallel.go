// Package utils contains the bounded worker pool and small numeric helpers shared by the
// reconstruction stages.
package utils

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFactor controls the default level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// IndexedWorkFunc does the work for item i of a batch.
type IndexedWorkFunc func(ctx context.Context, i int) error

// ParallelForEach runs fn for every index in [0, n) on at most workers goroutines. A workers
// value <= 0 means ParallelFactor. The first error (or captured panic) cancels the context handed
// to the remaining work and is returned. Work items are independent: fn must not share mutable
// state across indices.
func ParallelForEach(ctx context.Context, n, workers int, fn IndexedWorkFunc) error {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = ParallelFactor
	}
	if workers > n {
		workers = n
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i := 0; i < n; i++ {
		if groupCtx.Err() != nil {
			break
		}
		idx := i
		group.Go(func() (err error) {
			defer func() {
				if thePanic := recover(); thePanic != nil {
					err = fmt.Errorf("got panic running work item %d in parallel: %v", idx, thePanic)
				}
			}()
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return fn(groupCtx, idx)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
