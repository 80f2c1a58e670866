package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/localdb"
	"fitsync/internal/logger"
	"fitsync/internal/metrics"
	"fitsync/internal/remote"
	"fitsync/internal/resilience"
	"fitsync/internal/schema"
	"fitsync/internal/store"
	"fitsync/internal/txn"
)

// tableRun is one attempt at syncing a single table.
type tableRun struct {
	o        *Orchestrator
	userID   string
	spec     schema.TableSpec
	opts     Options
	prog     *progressTracker
	lastSync *time.Time
	res      Result

	pullShare float64
	pushShare float64
}

type pendingConflict struct {
	conflict Conflict
	winner   Side
}

func (o *Orchestrator) runTable(ctx context.Context, userID string, spec schema.TableSpec, opts Options, prog *progressTracker) Result {
	table := spec.Name
	started := o.now()
	prog.update(table, 0, 0, 0, "Syncing "+table)

	if err := o.meta.UpdateSyncStatus(ctx, table, userID, store.StatusSyncing, ""); err != nil {
		logger.Log.Warn("Failed to mark table syncing", zap.String("table", table), zap.Error(err))
	}

	var run *tableRun
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		meta, err := o.meta.GetSyncMetadata(ctx, table, userID)
		if err != nil {
			return fmt.Errorf("load sync metadata: %w", err)
		}
		run = o.newTableRun(userID, spec, opts, prog, meta, started)

		ctx, cancel := context.WithTimeout(ctx, o.tableTimeout)
		defer cancel()
		return run.execute(ctx, meta, started)
	}, resilience.RetryOptions{
		MaxRetries: opts.MaxRetries,
		BaseDelay:  o.retryBase,
		MaxDelay:   o.retryMax,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Log.Warn("Retrying table sync",
				zap.String("table", table),
				zap.String("user", userID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	})

	res := Result{Table: table, Direction: opts.Direction, StartedAt: started}
	if run != nil {
		res = run.res
	}
	res.Duration = o.now().Sub(started)
	o.finishTable(context.WithoutCancel(ctx), userID, &res, err)
	prog.update(table, 1, 0, 0, "Finished "+table)
	return res
}

func (o *Orchestrator) newTableRun(userID string, spec schema.TableSpec, opts Options, prog *progressTracker, meta *store.SyncMetadata, started time.Time) *tableRun {
	r := &tableRun{
		o:      o,
		userID: userID,
		spec:   spec,
		opts:   opts,
		prog:   prog,
		res:    Result{Table: spec.Name, Direction: opts.Direction, StartedAt: started},
	}
	if meta != nil {
		r.lastSync = meta.LastSyncAt
	}
	switch opts.Direction {
	case Pull:
		r.pullShare = 1
	case Push:
		r.pushShare = 1
	default:
		r.pullShare, r.pushShare = 0.5, 0.5
	}
	return r
}

func (o *Orchestrator) finishTable(ctx context.Context, userID string, res *Result, err error) {
	table := res.Table
	switch {
	case err != nil:
		res.Status = StatusError
		res.Err = err
		res.Message = err.Error()
		metrics.RecordTableFailure(table)
		if serr := o.meta.UpdateSyncStatus(ctx, table, userID, store.StatusError, err.Error()); serr != nil {
			logger.Log.Warn("Failed to record table error", zap.String("table", table), zap.Error(serr))
		}
		logger.Log.Error("Table sync failed", zap.String("table", table), zap.String("user", userID), zap.Error(err))
	case len(res.Errors) > 0:
		res.Status = StatusPartial
		res.Message = fmt.Sprintf("%d records failed", len(res.Errors))
		if serr := o.meta.UpdateSyncStatus(ctx, table, userID, store.StatusError, res.Message); serr != nil {
			logger.Log.Warn("Failed to record table status", zap.String("table", table), zap.Error(serr))
		}
		logger.Log.Warn("Table synced with failures",
			zap.String("table", table),
			zap.String("user", userID),
			zap.Int("failed", len(res.Errors)),
		)
	default:
		res.Status = StatusSuccess
		status := store.StatusSuccess
		if res.Conflicts > 0 {
			status = store.StatusConflict
		}
		if serr := o.meta.UpdateSyncStatus(ctx, table, userID, status, ""); serr != nil {
			logger.Log.Warn("Failed to record table status", zap.String("table", table), zap.Error(serr))
		}
	}

	if n, cerr := o.local.Count(ctx, table, userID); cerr == nil {
		if serr := o.meta.SetRecordCount(ctx, table, userID, n); serr != nil {
			logger.Log.Warn("Failed to record table size", zap.String("table", table), zap.Error(serr))
		}
	}

	dir := string(res.Direction)
	metrics.RecordRecords(table, dir, "created", res.Created)
	metrics.RecordRecords(table, dir, "updated", res.Updated)
	metrics.RecordRecords(table, dir, "deleted", res.Deleted)
	metrics.RecordRecords(table, dir, "skipped", res.Skipped)
	metrics.RecordRecords(table, dir, "failed", len(res.Errors))

	logger.Log.Debug("Table sync finished",
		zap.String("table", table),
		zap.String("status", string(res.Status)),
		zap.Int("pulled", res.Pulled),
		zap.Int("pushed", res.Pushed),
		zap.Int("conflicts", res.Conflicts),
		zap.Duration("duration", res.Duration),
	)
}

// execute pulls then pushes. Each watermark moves to passStart only when its
// phase finished with no failed record.
func (r *tableRun) execute(ctx context.Context, meta *store.SyncMetadata, passStart time.Time) error {
	table := r.spec.Name
	if r.opts.Direction.pulls() {
		failedBefore := len(r.res.Errors)
		if err := r.pull(ctx, meta); err != nil {
			return err
		}
		if len(r.res.Errors) == failedBefore {
			if err := r.o.meta.UpdateLastSyncTime(ctx, table, r.userID, store.KindPull, passStart); err != nil {
				return fmt.Errorf("advance pull watermark: %w", err)
			}
		}
	}
	if r.opts.Direction.pushes() {
		failedBefore := len(r.res.Errors)
		if err := r.push(ctx); err != nil {
			return err
		}
		if len(r.res.Errors) == failedBefore {
			if err := r.o.meta.UpdateLastSyncTime(ctx, table, r.userID, store.KindPush, passStart); err != nil {
				return fmt.Errorf("advance push watermark: %w", err)
			}
		}
	}
	return nil
}

type pageOutcome struct {
	created, updated, deleted, skipped int
	conflicts                          []pendingConflict
	errors                             []RecordError
}

func (r *tableRun) pull(ctx context.Context, meta *store.SyncMetadata) error {
	table := r.spec.Name
	var since time.Time
	if !r.opts.ForceFullSync && meta != nil && meta.LastPullAt != nil {
		since = *meta.LastPullAt
	}

	var after *remote.Cursor
	pages := 0
	for {
		page, err := r.o.remote.Fetch(ctx, table, r.userID, remote.FetchQuery{
			Since: since,
			After: after,
			Limit: r.o.pageSize,
		})
		if err != nil {
			return fmt.Errorf("fetch %s: %w", table, err)
		}
		if len(page) == 0 {
			break
		}
		pages++
		r.res.Pulled += len(page)
		r.prog.update(table, 0, 0, len(page), fmt.Sprintf("Fetched %d %s records", len(page), table))

		if err := r.applyPulled(ctx, page); err != nil {
			return err
		}
		r.prog.update(table, r.pullShare*(1-1/float64(pages+1)), len(page), 0, "Applied "+table+" page")

		last := page[len(page)-1]
		after = &remote.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
		if len(page) < r.o.pageSize {
			break
		}
	}
	r.prog.update(table, r.pullShare, 0, 0, "Pulled "+table)
	return nil
}

// applyPulled writes one page in a single local transaction. Records that
// fail are reported and do not roll back the rest of the page.
func (r *tableRun) applyPulled(ctx context.Context, page []schema.Record) error {
	table := r.spec.Name
	resolver := r.o.resolver

	out, err := txn.Execute(ctx, r.o.tx, []string{table}, func(ctx context.Context, tx *localdb.Store) (pageOutcome, error) {
		var out pageOutcome
		for _, incoming := range page {
			incoming = resolver.InitializeVersion(incoming)
			cur, err := tx.GetByID(ctx, table, incoming.ID)
			if err != nil {
				out.errors = append(out.errors, recordError(table, incoming.ID, Pull, err))
				continue
			}
			if cur == nil {
				if err := tx.Put(ctx, table, incoming); err != nil {
					out.errors = append(out.errors, recordError(table, incoming.ID, Pull, err))
					continue
				}
				if incoming.Deleted() {
					out.deleted++
				} else {
					out.created++
				}
				continue
			}

			d := resolver.Reconcile(table, *cur, incoming, r.lastSync)
			if d.Conflict.HasConflict {
				out.conflicts = append(out.conflicts, pendingConflict{d.Conflict, d.Winner})
			}
			if !d.WriteLocal {
				out.skipped++
				continue
			}
			if err := tx.Put(ctx, table, d.Result); err != nil {
				out.errors = append(out.errors, recordError(table, incoming.ID, Pull, err))
				continue
			}
			if d.Result.Deleted() && !cur.Deleted() {
				out.deleted++
			} else {
				out.updated++
			}
		}
		return out, nil
	}, txn.Options{})
	if err != nil {
		return fmt.Errorf("apply %s page: %w", table, err)
	}

	r.res.Created += out.created
	r.res.Updated += out.updated
	r.res.Deleted += out.deleted
	r.res.Skipped += out.skipped
	r.res.Errors = append(r.res.Errors, out.errors...)
	r.flushConflicts(ctx, out.conflicts)
	return nil
}

type pushItem struct {
	rec      schema.Record
	existing bool
}

type sentRow struct {
	result     schema.Record
	existing   bool
	remoteLive bool
	writeLocal bool
}

func (r *tableRun) push(ctx context.Context) error {
	table := r.spec.Name
	base := r.pullShare

	locals, err := r.o.local.GetAllForUser(ctx, table, r.userID)
	if err != nil {
		return fmt.Errorf("read local %s: %w", table, err)
	}
	remotes, err := r.o.remote.FetchAll(ctx, table, r.userID)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", table, err)
	}
	index := make(map[string]schema.Record, len(remotes))
	for _, rec := range remotes {
		index[rec.ID] = rec
	}

	var creates, updates []pushItem
	for _, rec := range locals {
		existing, ok := index[rec.ID]
		if !ok {
			creates = append(creates, pushItem{rec: rec})
			continue
		}
		if r.o.resolver.Reconcile(table, rec, existing, r.lastSync).WriteRemote {
			updates = append(updates, pushItem{rec: rec, existing: true})
		} else {
			r.res.Skipped++
		}
	}

	work := append(creates, updates...)
	if len(work) == 0 {
		r.prog.update(table, base+r.pushShare, 0, 0, "Nothing to push for "+table)
		return nil
	}
	r.prog.update(table, base, 0, len(work), fmt.Sprintf("Pushing %d %s records", len(work), table))

	size := r.opts.BatchSize
	batches := (len(work) + size - 1) / size
	for b := 0; b < batches; b++ {
		chunk := work[b*size : min((b+1)*size, len(work))]
		if err := r.pushChunk(ctx, chunk); err != nil {
			return err
		}
		r.prog.update(table, base+r.pushShare*float64(b+1)/float64(batches), len(chunk), 0,
			fmt.Sprintf("Pushed batch %d/%d of %s", b+1, batches, table))
	}
	return nil
}

func (r *tableRun) pushChunk(ctx context.Context, chunk []pushItem) error {
	table := r.spec.Name
	resolver := r.o.resolver

	var (
		rows        []schema.Row
		sent        []sentRow
		localWrites []schema.Record
		conflicts   []pendingConflict
	)
	for _, item := range chunk {
		s := sentRow{result: item.rec, existing: item.existing}
		if item.existing {
			fresh, err := r.o.remote.Get(ctx, table, r.userID, item.rec.ID)
			if err != nil {
				if tableFatal(err) {
					return fmt.Errorf("re-read %s %s: %w", table, item.rec.ID, err)
				}
				r.res.addError(table, item.rec.ID, Push, err)
				continue
			}
			if fresh == nil {
				s.existing = false
			} else {
				d := resolver.Reconcile(table, item.rec, *fresh, r.lastSync)
				if d.Conflict.HasConflict {
					conflicts = append(conflicts, pendingConflict{d.Conflict, d.Winner})
				}
				if !d.WriteRemote {
					if d.WriteLocal {
						localWrites = append(localWrites, d.Result)
					} else {
						r.res.Skipped++
					}
					continue
				}
				s.result = d.Result
				s.remoteLive = !fresh.Deleted()
				s.writeLocal = d.WriteLocal
			}
		}

		row, err := r.spec.ToRow(s.result)
		if err != nil {
			r.res.addError(table, item.rec.ID, Push, apperr.Wrap(apperr.InvalidData, "encode", err))
			continue
		}
		rows = append(rows, row)
		sent = append(sent, s)
	}

	if len(rows) > 0 {
		rowErrs, err := r.o.remote.Upsert(ctx, table, rows)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
		for i, s := range sent {
			if i < len(rowErrs) && rowErrs[i] != nil {
				r.res.addError(table, s.result.ID, Push, rowErrs[i])
				continue
			}
			r.res.Pushed++
			switch {
			case !s.existing:
				r.res.Created++
			case s.result.Deleted() && s.remoteLive:
				r.res.Deleted++
			default:
				r.res.Updated++
			}
			if s.writeLocal {
				localWrites = append(localWrites, s.result)
			}
		}
	}

	if err := r.writeLocal(ctx, localWrites); err != nil {
		return err
	}
	r.flushConflicts(ctx, conflicts)
	return nil
}

// writeLocal stores records the remote side settled during a push.
func (r *tableRun) writeLocal(ctx context.Context, recs []schema.Record) error {
	if len(recs) == 0 {
		return nil
	}
	table := r.spec.Name
	failed, err := txn.Execute(ctx, r.o.tx, []string{table}, func(ctx context.Context, tx *localdb.Store) ([]RecordError, error) {
		var failed []RecordError
		for _, rec := range recs {
			if err := tx.Put(ctx, table, rec); err != nil {
				failed = append(failed, recordError(table, rec.ID, Push, err))
			}
		}
		return failed, nil
	}, txn.Options{})
	if err != nil {
		return fmt.Errorf("apply settled %s records: %w", table, err)
	}
	r.res.Errors = append(r.res.Errors, failed...)
	r.res.Updated += len(recs) - len(failed)
	return nil
}

func (r *tableRun) flushConflicts(ctx context.Context, conflicts []pendingConflict) {
	if len(conflicts) == 0 {
		return
	}
	table := r.spec.Name
	r.res.Conflicts += len(conflicts)
	for _, p := range conflicts {
		logger.Log.Info("Conflict resolved",
			zap.String("table", table),
			zap.String("id", p.conflict.RecordID),
			zap.String("reason", p.conflict.Reason),
			zap.String("winner", string(p.winner)),
		)
		if err := r.o.resolver.RecordConflict(ctx, r.userID, p.conflict, p.winner); err != nil {
			logger.Log.Warn("Failed to log conflict", zap.String("table", table), zap.Error(err))
		}
	}
	if err := r.o.meta.IncrementConflictCount(ctx, table, r.userID, len(conflicts)); err != nil {
		logger.Log.Warn("Failed to count conflicts", zap.String("table", table), zap.Error(err))
	}
	metrics.RecordConflicts(table, len(conflicts))
}

func recordError(table, id string, dir Direction, err error) RecordError {
	return RecordError{Table: table, ID: id, Direction: dir, Err: err, Message: err.Error()}
}

// tableFatal reports errors that make the remaining records of a table
// pointless to try, so the whole table is retried instead.
func tableFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch apperr.CodeOf(err) {
	case apperr.CircuitOpen, apperr.Unauthorized, apperr.Network, apperr.Timeout, apperr.Temporary:
		return true
	}
	return apperr.Retryable(err)
}
