package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fitsync/internal/apperr"
)

// WithTimeout runs op with a deadline of d. If the deadline wins the result is
// a TIMEOUT error even when op ignores its context; op keeps running in the
// background in that case and its result is discarded.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return zero, apperr.Wrap(apperr.Timeout, fmt.Sprintf("operation exceeded %s", d), r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, apperr.Wrap(apperr.Timeout, fmt.Sprintf("operation exceeded %s", d), ctx.Err())
		}
		return zero, ctx.Err()
	}
}
