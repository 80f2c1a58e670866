// Package sync moves records between the local store and the remote backend.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fitsync/internal/apperr"
	"fitsync/internal/localdb"
	"fitsync/internal/logger"
	"fitsync/internal/metrics"
	"fitsync/internal/remote"
	"fitsync/internal/schema"
	"fitsync/internal/store"
	"fitsync/internal/txn"
)

// Orchestrator runs sync passes for one device. Passes never overlap: Sync
// queues behind the pass in flight, TrySync refuses instead.
type Orchestrator struct {
	local    *localdb.Store
	remote   remote.Backend
	meta     store.Store
	tx       *txn.Manager
	resolver *Resolver

	defaults     Options
	pageSize     int
	concurrency  int
	tableTimeout time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
	now          func() time.Time

	mu      sync.Mutex
	tail    chan struct{}
	pending int
}

type Option func(*Orchestrator)

// WithDefaults sets the batch size and retry budget used when a call leaves
// them unset.
func WithDefaults(batchSize, maxRetries int) Option {
	return func(o *Orchestrator) {
		o.defaults.BatchSize = batchSize
		o.defaults.MaxRetries = maxRetries
	}
}

func WithPageSize(n int) Option {
	return func(o *Orchestrator) { o.pageSize = n }
}

// WithConcurrency bounds how many independent tables sync at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

func WithTableTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.tableTimeout = d }
}

func WithRetryDelays(base, maxDelay time.Duration) Option {
	return func(o *Orchestrator) { o.retryBase, o.retryMax = base, maxDelay }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(local *localdb.Store, backend remote.Backend, meta store.Store, tx *txn.Manager, opts ...Option) *Orchestrator {
	done := make(chan struct{})
	close(done)
	o := &Orchestrator{
		local:        local,
		remote:       backend,
		meta:         meta,
		tx:           tx,
		defaults:     Options{BatchSize: 100, MaxRetries: 3},
		pageSize:     500,
		concurrency:  4,
		tableTimeout: 2 * time.Minute,
		retryBase:    100 * time.Millisecond,
		retryMax:     5 * time.Second,
		now:          time.Now,
		tail:         done,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.resolver = NewResolver(meta)
	o.resolver.now = o.now
	return o
}

func (o *Orchestrator) Resolver() *Resolver { return o.resolver }

// InProgress reports whether a pass is running or queued.
func (o *Orchestrator) InProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending > 0
}

// acquire queues the caller behind every earlier pass. With try set it fails
// instead of queueing.
func (o *Orchestrator) acquire(ctx context.Context, try bool) (func(), error) {
	o.mu.Lock()
	if try && o.pending > 0 {
		o.mu.Unlock()
		return nil, apperr.New(apperr.SyncInProgress, "a sync pass is already running")
	}
	prev := o.tail
	done := make(chan struct{})
	o.tail = done
	o.pending++
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		o.pending--
		o.mu.Unlock()
		close(done)
	}

	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Keep the chain intact: our slot is released only once the
		// pass ahead of us has finished.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Sync runs one pass for userID, waiting for any pass already in flight.
func (o *Orchestrator) Sync(ctx context.Context, userID string, opts Options) ([]Result, error) {
	return o.sync(ctx, userID, opts, false)
}

// TrySync is Sync that fails with SYNC_IN_PROGRESS instead of waiting.
func (o *Orchestrator) TrySync(ctx context.Context, userID string, opts Options) ([]Result, error) {
	return o.sync(ctx, userID, opts, true)
}

// Reset clears the watermarks of userID so the next pass compares every
// record. It waits for any pass in flight.
func (o *Orchestrator) Reset(ctx context.Context, userID string, tables ...string) error {
	release, err := o.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer release()
	return o.meta.ResetSyncMetadata(ctx, userID, tables...)
}

func (o *Orchestrator) sync(ctx context.Context, userID string, opts Options, try bool) ([]Result, error) {
	if userID == "" {
		return nil, apperr.New(apperr.InvalidData, "sync needs a user id")
	}
	opts, err := o.normalize(opts)
	if err != nil {
		return nil, err
	}

	release, err := o.acquire(ctx, try)
	if err != nil {
		return nil, err
	}
	defer release()

	return o.pass(ctx, userID, opts)
}

func (o *Orchestrator) normalize(opts Options) (Options, error) {
	dir, err := ParseDirection(string(opts.Direction))
	if err != nil {
		return opts, apperr.Wrap(apperr.InvalidData, "sync options", err)
	}
	opts.Direction = dir
	if opts.BatchSize <= 0 {
		opts.BatchSize = o.defaults.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = o.defaults.MaxRetries
	}
	return opts, nil
}

func (o *Orchestrator) pass(ctx context.Context, userID string, opts Options) ([]Result, error) {
	start := o.now()
	names := schema.Names()
	if len(opts.Tables) > 0 {
		names = dedupe(opts.Tables)
	}

	results := make([]Result, len(names))
	var independent, dependent []int
	var valid []string
	for i, name := range names {
		spec, ok := schema.Lookup(name)
		if !ok {
			results[i] = Result{
				Table:     name,
				Direction: opts.Direction,
				Status:    StatusError,
				StartedAt: start,
				Err:       apperr.New(apperr.InvalidData, "unknown table "+name),
			}
			results[i].Message = results[i].Err.Error()
			continue
		}
		valid = append(valid, name)
		if spec.Dependent {
			dependent = append(dependent, i)
		} else {
			independent = append(independent, i)
		}
	}

	logger.Log.Info("Sync pass started",
		zap.String("user", userID),
		zap.String("direction", string(opts.Direction)),
		zap.Strings("tables", valid),
		zap.Bool("full", opts.ForceFullSync),
	)
	history := o.startHistory(ctx, userID, opts, valid, start)
	prog := newProgressTracker(opts.Progress, len(valid))

	var g errgroup.Group
	g.SetLimit(max(o.concurrency, 1))
	for _, i := range independent {
		i := i
		spec, _ := schema.Lookup(names[i])
		g.Go(func() error {
			results[i] = o.runTable(ctx, userID, spec, opts, prog)
			return nil
		})
	}
	_ = g.Wait()

	for _, i := range dependent {
		spec, _ := schema.Lookup(names[i])
		results[i] = o.runTable(ctx, userID, spec, opts, prog)
	}
	prog.finish()

	elapsed := o.now().Sub(start)
	metrics.RecordPass(string(opts.Direction), elapsed)
	o.finishHistory(ctx, history, results)

	logger.Log.Info("Sync pass finished",
		zap.String("user", userID),
		zap.Duration("duration", elapsed),
		zap.String("summary", summarize(results)),
	)
	return results, ctx.Err()
}

func (o *Orchestrator) startHistory(ctx context.Context, userID string, opts Options, tables []string, start time.Time) *store.SyncHistory {
	h := &store.SyncHistory{
		ID:           uuid.New().String(),
		UserID:       userID,
		StartedAt:    start,
		Direction:    string(opts.Direction),
		TablesSynced: strings.Join(tables, ","),
		Status:       "running",
	}
	if err := o.meta.CreateSyncHistory(ctx, h); err != nil {
		logger.Log.Warn("Failed to record sync history", zap.Error(err))
		return nil
	}
	return h
}

func (o *Orchestrator) finishHistory(ctx context.Context, h *store.SyncHistory, results []Result) {
	if h == nil {
		return
	}
	done := o.now()
	h.CompletedAt = &done
	h.Status = string(overallStatus(results))

	var firstErr error
	for _, r := range results {
		h.TotalRows += int64(r.Pulled + r.Pushed)
		h.ConflictsDetected += r.Conflicts
		if firstErr == nil && r.Err != nil {
			firstErr = fmt.Errorf("%s: %w", r.Table, r.Err)
		}
	}
	if firstErr != nil {
		h.ErrorMessage = firstErr.Error()
	}
	if err := o.meta.UpdateSyncHistory(context.WithoutCancel(ctx), h); err != nil {
		logger.Log.Warn("Failed to update sync history", zap.Error(err))
	}
}

// dedupe drops repeated table names, keeping first-seen order.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func overallStatus(results []Result) Status {
	failed, partial := 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusError:
			failed++
		case StatusPartial:
			partial++
		}
	}
	switch {
	case len(results) > 0 && failed == len(results):
		return StatusError
	case failed > 0 || partial > 0:
		return StatusPartial
	}
	return StatusSuccess
}

func summarize(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s=%s", r.Table, r.Status))
	}
	return strings.Join(parts, " ")
}

// Errors collects the table level errors of a pass.
func Errors(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Table, r.Err))
		}
	}
	return errors.Join(errs...)
}
