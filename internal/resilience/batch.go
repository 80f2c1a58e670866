package resilience

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type BatchOptions struct {
	MaxConcurrency  int
	ContinueOnError bool
}

func DefaultBatchOptions() BatchOptions {
	return BatchOptions{MaxConcurrency: 5, ContinueOnError: true}
}

type ItemError[T any] struct {
	Item  T
	Index int
	Err   error
}

type BatchResult[T any] struct {
	Succeeded []T
	Failed    []ItemError[T]
	// Aborted is set when ContinueOnError was false and a failure stopped
	// the remaining items from starting.
	Aborted bool
}

// BatchWithPartialFailure runs op over items with bounded concurrency and
// reports successes and failures separately. Succeeded keeps input order.
func BatchWithPartialFailure[T any](ctx context.Context, items []T, op func(ctx context.Context, item T) error, opts BatchOptions) BatchResult[T] {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultBatchOptions().MaxConcurrency
	}

	outcomes := make([]error, len(items))
	started := make([]bool, len(items))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		aborted bool
	)
	g := errgroup.Group{}
	g.SetLimit(opts.MaxConcurrency)

	for i, item := range items {
		mu.Lock()
		stop := aborted
		mu.Unlock()
		if stop || runCtx.Err() != nil {
			break
		}
		i, item := i, item
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			started[i] = true
			err := op(runCtx, item)
			outcomes[i] = err
			if err != nil && !opts.ContinueOnError {
				mu.Lock()
				aborted = true
				mu.Unlock()
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult[T]
	res.Aborted = aborted
	for i, item := range items {
		if !started[i] {
			if !aborted && ctx.Err() != nil {
				res.Failed = append(res.Failed, ItemError[T]{Item: item, Index: i, Err: ctx.Err()})
			}
			continue
		}
		if outcomes[i] != nil {
			res.Failed = append(res.Failed, ItemError[T]{Item: item, Index: i, Err: outcomes[i]})
			continue
		}
		res.Succeeded = append(res.Succeeded, item)
	}
	return res
}
