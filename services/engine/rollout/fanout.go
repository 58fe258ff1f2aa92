// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollout

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FanOut runs fn for indices 0..n-1, in parallel when parallel is true
// and strictly in order otherwise. It is the single concurrency
// primitive behind both fan-out axes (across generators, across one
// generator's rollouts), so the two axes compose without knowing about
// each other.
//
// fn must confine failures to its own result slot; FanOut only
// propagates errors that should abort the whole group, such as context
// cancellation.
func FanOut(ctx context.Context, n int, parallel bool, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if parallel {
		g.SetLimit(n)
	} else {
		g.SetLimit(1)
	}
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
