package promise

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls fn on every input with at most limit calls in flight, and waits for all of them, so fn
// must return once ctx is done. A limit below 1 runs every call at once. results[i] and errs[i]
// belong to inputs[i]; a failed call leaves the zero value.
func Map[I, V any](ctx context.Context, inputs []I, limit int, fn func(context.Context, I) (V, error)) (results []V, errs []error) {
	results = make([]V, len(inputs))
	errs = make([]error, len(inputs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, in := range inputs {
		g.Go(func() error {
			v, err := fn(ctx, in)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = v
			return nil
		})
	}
	g.Wait()

	return results, errs
}
