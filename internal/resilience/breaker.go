package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/logger"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerOptions struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	// IsFailure decides which errors count towards opening. Defaults to
	// transient errors only, so a not-found lookup never trips the breaker.
	IsFailure func(err error) bool
}

// CircuitBreaker fails fast after FailureThreshold consecutive failures until
// ResetTimeout has elapsed, then lets a single trial call through.
type CircuitBreaker struct {
	opts BreakerOptions
	now  func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool
}

func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	if opts.IsFailure == nil {
		opts.IsFailure = apperr.Retryable
	}
	return &CircuitBreaker{opts: opts, now: time.Now, state: BreakerClosed}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *CircuitBreaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.opts.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

func (b *CircuitBreaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerOpen:
		return apperr.New(apperr.CircuitOpen, "circuit "+b.opts.Name+" is open")
	case BreakerHalfOpen:
		if b.trial {
			return apperr.New(apperr.CircuitOpen, "circuit "+b.opts.Name+" is half-open")
		}
		b.state = BreakerHalfOpen
		b.trial = true
	}
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.trial
	b.trial = false

	if err == nil || !b.opts.IsFailure(err) {
		if b.state != BreakerClosed {
			logger.Log.Info("Circuit closed", zap.String("circuit", b.opts.Name))
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if wasTrial || b.failures >= b.opts.FailureThreshold {
		if b.state != BreakerOpen {
			logger.Log.Warn("Circuit opened",
				zap.String("circuit", b.opts.Name),
				zap.Int("failures", b.failures),
				zap.Error(err),
			)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}
