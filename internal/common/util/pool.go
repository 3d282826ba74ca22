package util

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEachBounded calls fn for every item with at most limit calls in flight and returns once all
// calls have finished. Items not yet started when ctx is done are skipped.
func ForEachBounded[T any](ctx context.Context, limit int, items []T, fn func(T)) {
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			if ctx.Err() == nil {
				fn(item)
			}
			return nil
		})
	}
	_ = g.Wait()
}
