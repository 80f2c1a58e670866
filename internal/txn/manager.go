// Package txn runs multi-collection local writes atomically.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/localdb"
	"fitsync/internal/logger"
	"fitsync/internal/resilience"
	"fitsync/internal/schema"
)

type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	// Timeout bounds a single attempt. A timed out attempt is retried.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		Timeout:    30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

type Manager struct {
	local *localdb.Store
}

func NewManager(local *localdb.Store) *Manager {
	return &Manager{local: local}
}

func (m *Manager) Local() *localdb.Store { return m.local }

// Execute runs fn inside one local transaction covering storeNames. fn must
// do all its reads and writes through the store it is handed.
func Execute[T any](ctx context.Context, m *Manager, storeNames []string, fn func(ctx context.Context, tx *localdb.Store) (T, error), opts Options) (T, error) {
	var zero T
	if err := validateStores(storeNames); err != nil {
		return zero, err
	}
	opts = opts.withDefaults()

	return resilience.Retry(ctx, func(ctx context.Context) (T, error) {
		return attempt(ctx, m, opts.Timeout, fn)
	}, resilience.RetryOptions{
		MaxRetries:  opts.MaxRetries,
		BaseDelay:   opts.RetryDelay,
		ShouldRetry: shouldRetry,
		OnRetry: func(n int, delay time.Duration, err error) {
			logger.Log.Warn("Retrying local transaction",
				zap.Strings("stores", storeNames),
				zap.Int("attempt", n),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	})
}

func attempt[T any](ctx context.Context, m *Manager, timeout time.Duration, fn func(ctx context.Context, tx *localdb.Store) (T, error)) (T, error) {
	var out T
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.local.Database().ExecTx(ctx, func(tx *sql.Tx) error {
		v, err := fn(ctx, m.local.WithTx(tx))
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return out, apperr.Wrap(apperr.Timeout, fmt.Sprintf("transaction exceeded %s", timeout), err)
	}
	return out, err
}

// Batch writes items in chunks of size, one transaction per chunk. It stops at
// the first failing chunk and reports how many items were committed before it.
func Batch[T any](ctx context.Context, m *Manager, storeNames []string, items []T, size int, fn func(ctx context.Context, tx *localdb.Store, chunk []T) error) (int, error) {
	if size <= 0 {
		size = 100
	}
	committed := 0
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunk := items[start:end]
		_, err := Execute(ctx, m, storeNames, func(ctx context.Context, tx *localdb.Store) (struct{}, error) {
			return struct{}{}, fn(ctx, tx, chunk)
		}, Options{})
		if err != nil {
			return committed, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		committed += len(chunk)
	}
	return committed, nil
}

// Step is one unit of a compensated sequence.
type Step struct {
	Name      string
	Operation func(ctx context.Context) error
	// Rollback undoes Operation. Optional.
	Rollback func(ctx context.Context) error
}

// ExecuteWithRollback runs steps in order. When one fails, the steps that
// already succeeded are rolled back in reverse order and the original error is
// returned joined with any rollback failures.
func (m *Manager) ExecuteWithRollback(ctx context.Context, steps []Step) error {
	done := make([]Step, 0, len(steps))
	for _, step := range steps {
		err := step.Operation(ctx)
		if err == nil {
			done = append(done, step)
			continue
		}

		logger.Log.Error("Step failed, rolling back",
			zap.String("step", step.Name),
			zap.Int("completed", len(done)),
			zap.Error(err),
		)
		errs := []error{fmt.Errorf("step %s: %w", step.Name, err)}
		// Rollbacks run even when ctx is already done.
		rbCtx := context.WithoutCancel(ctx)
		for i := len(done) - 1; i >= 0; i-- {
			if done[i].Rollback == nil {
				continue
			}
			if rbErr := done[i].Rollback(rbCtx); rbErr != nil {
				logger.Log.Error("Rollback failed",
					zap.String("step", done[i].Name),
					zap.Error(rbErr),
				)
				errs = append(errs, fmt.Errorf("rollback %s: %w", done[i].Name, rbErr))
			}
		}
		return errors.Join(errs...)
	}
	return nil
}

func validateStores(names []string) error {
	if len(names) == 0 {
		return apperr.New(apperr.InvalidData, "transaction needs at least one store")
	}
	var unknown []string
	for _, n := range names {
		if _, ok := schema.Lookup(n); !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return apperr.New(apperr.InvalidData, "unknown stores: "+strings.Join(unknown, ", "))
	}
	return nil
}

// shouldRetry retries anything that is not clearly permanent.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch apperr.CodeOf(err) {
	case apperr.NotFound, apperr.InvalidData, apperr.Constraint,
		apperr.PermissionDenied, apperr.Unauthorized:
		return false
	case apperr.Timeout, apperr.Network, apperr.Temporary:
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"constraint", "not found", "invalid", "permission denied"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}
