package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/logger"
)

type RetryOptions struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	ShouldRetry func(err error) bool
	// OnRetry is called before each backoff sleep. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		ShouldRetry: apperr.Retryable,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	d := DefaultRetryOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = d.ShouldRetry
	}
	return o
}

// Backoff returns the delay before retry number attempt (1-based).
func (o RetryOptions) Backoff(attempt int) time.Duration {
	o = o.withDefaults()
	delay := float64(o.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= o.Multiplier
		if delay >= float64(o.MaxDelay) {
			return o.MaxDelay
		}
	}
	return min(time.Duration(delay), o.MaxDelay)
}

// WithRetry runs op until it succeeds, returns a non-retryable error, the
// retry budget is spent, or ctx is done. The last error is returned.
func WithRetry(ctx context.Context, op func(ctx context.Context) error, opts RetryOptions) error {
	opts = opts.withDefaults()

	var err error
	for attempt := 0; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt >= opts.MaxRetries || !opts.ShouldRetry(err) {
			return err
		}

		delay := opts.Backoff(attempt + 1)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, delay, err)
		}
		logger.Log.Debug("Retrying operation",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Retry is WithRetry for operations that produce a value.
func Retry[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	var out T
	err := WithRetry(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts)
	return out, err
}
