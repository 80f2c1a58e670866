// Package migrate upgrades local data written before sync existed.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/localdb"
	"fitsync/internal/logger"
	"fitsync/internal/schema"
	"fitsync/internal/store"
	"fitsync/internal/txn"
)

// Name identifies this migration in the ledger.
const Name = "sync-columns-v1"

// LegacyPrefix starts the flat keys older clients kept their last sync time in:
// lastSync_<table> or lastSync_<table>_<user>.
const LegacyPrefix = "lastSync_"

type Report struct {
	UserID         string              `json:"user_id"`
	AlreadyApplied bool                `json:"already_applied"`
	ColumnsAdded   map[string][]string `json:"columns_added,omitempty"`
	Versioned      int64               `json:"versioned"`
	Claimed        int64               `json:"claimed"`
	Tombstones     int64               `json:"tombstones"`
	Watermarks     int                 `json:"watermarks"`
	Duration       time.Duration       `json:"duration"`
}

type Runner struct {
	local     *localdb.Store
	meta      store.Store
	tx        *txn.Manager
	batchSize int
	now       func() time.Time
}

type Option func(*Runner)

func WithBatchSize(n int) Option {
	return func(r *Runner) { r.batchSize = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(tx *txn.Manager, meta store.Store, opts ...Option) *Runner {
	r := &Runner{
		local:     tx.Local(),
		meta:      meta,
		tx:        tx,
		batchSize: 200,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema adds missing sync columns to collections created by older
// clients, then creates any collection that does not exist yet.
func (r *Runner) EnsureSchema(ctx context.Context) (map[string][]string, error) {
	added := map[string][]string{}
	for _, spec := range schema.Tables {
		cols, err := r.local.AddSyncColumns(ctx, spec.Name)
		if err != nil {
			return added, err
		}
		if len(cols) > 0 {
			added[spec.Name] = cols
			logger.Log.Info("Added sync columns", zap.String("table", spec.Name), zap.Strings("columns", cols))
		}
	}
	if err := r.local.Init(ctx); err != nil {
		return added, fmt.Errorf("init local store: %w", err)
	}
	return added, nil
}

// NeedsMigration reports whether Run still has work to do for userID.
func (r *Runner) NeedsMigration(ctx context.Context, userID string) (bool, error) {
	applied, err := r.meta.MigrationApplied(ctx, Name, userID)
	if err != nil {
		return false, err
	}
	if !applied {
		return true, nil
	}
	for _, spec := range schema.Tables {
		missing, err := r.local.MissingSyncColumns(ctx, spec.Name)
		if err != nil {
			return false, err
		}
		if len(missing) > 0 {
			return true, nil
		}
	}
	for _, spec := range schema.Tables {
		dirty, err := r.local.NeedsCleanup(ctx, spec.Name)
		if err != nil {
			return false, err
		}
		if dirty {
			return true, nil
		}
	}
	legacy, err := r.legacyWatermarks(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(legacy.keys) > 0, nil
}

// Run upgrades local data for userID. It is safe to run any number of times.
func (r *Runner) Run(ctx context.Context, userID string) (Report, error) {
	report := Report{UserID: userID}
	if userID == "" {
		return report, apperr.New(apperr.InvalidData, "migration needs a user id")
	}
	start := r.now()

	applied, err := r.meta.MigrationApplied(ctx, Name, userID)
	if err != nil {
		return report, fmt.Errorf("read migration ledger: %w", err)
	}
	report.AlreadyApplied = applied

	if report.ColumnsAdded, err = r.EnsureSchema(ctx); err != nil {
		return report, err
	}
	if err := r.backfillVersions(ctx, &report); err != nil {
		return report, err
	}
	if err := r.cleanRows(ctx, userID, &report); err != nil {
		return report, err
	}
	if report.Watermarks, err = r.moveWatermarks(ctx, userID); err != nil {
		return report, err
	}

	if err := r.meta.MarkMigrationApplied(ctx, Name, userID, r.now()); err != nil {
		return report, fmt.Errorf("record migration: %w", err)
	}
	report.Duration = r.now().Sub(start)

	logger.Log.Info("Migration finished",
		zap.String("migration", Name),
		zap.String("user", userID),
		zap.Bool("already_applied", applied),
		zap.Int64("versioned", report.Versioned),
		zap.Int64("claimed", report.Claimed),
		zap.Int64("tombstones", report.Tombstones),
		zap.Int("watermarks", report.Watermarks),
	)
	return report, nil
}

func (r *Runner) backfillVersions(ctx context.Context, report *Report) error {
	for _, spec := range schema.Tables {
		table := spec.Name
		ids, err := r.local.UnversionedIDs(ctx, table)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}
		n, err := txn.Batch(ctx, r.tx, []string{table}, ids, r.batchSize, func(ctx context.Context, tx *localdb.Store, chunk []string) error {
			_, err := tx.SetInitialVersion(ctx, table, chunk)
			return err
		})
		report.Versioned += int64(n)
		if err != nil {
			return fmt.Errorf("back-fill %s versions: %w", table, err)
		}
	}
	return nil
}

type cleanup struct{ claimed, tombstones int64 }

func (r *Runner) cleanRows(ctx context.Context, userID string, report *Report) error {
	for _, spec := range schema.Tables {
		table := spec.Name
		c, err := txn.Execute(ctx, r.tx, []string{table}, func(ctx context.Context, tx *localdb.Store) (cleanup, error) {
			var c cleanup
			var err error
			if c.claimed, err = tx.ClaimOrphans(ctx, table, userID); err != nil {
				return c, err
			}
			c.tombstones, err = tx.ClearEmptyTombstones(ctx, table)
			return c, err
		}, txn.Options{})
		if err != nil {
			return fmt.Errorf("clean %s: %w", table, err)
		}
		report.Claimed += c.claimed
		report.Tombstones += c.tombstones
	}
	return nil
}

type legacySet struct {
	keys   map[string]string
	marks  map[string]time.Time
	tables []string
}

// legacyWatermarks collects the legacy keys that apply to userID. Keys of
// other users and values that cannot be read are left in place.
func (r *Runner) legacyWatermarks(ctx context.Context, userID string) (legacySet, error) {
	set := legacySet{keys: map[string]string{}, marks: map[string]time.Time{}}
	entries, err := r.meta.LegacyKeys(ctx, LegacyPrefix)
	if err != nil {
		return set, fmt.Errorf("read legacy keys: %w", err)
	}
	for key, value := range entries {
		table, owner, ok := parseLegacyKey(key)
		if !ok {
			logger.Log.Warn("Ignoring legacy key for unknown table", zap.String("key", key))
			continue
		}
		if owner != "" && owner != userID {
			continue
		}
		at, err := parseLegacyTime(value)
		if err != nil {
			logger.Log.Warn("Ignoring unreadable legacy sync time", zap.String("key", key), zap.Error(err))
			continue
		}
		set.keys[key] = value
		if prev, seen := set.marks[table]; !seen || at.After(prev) {
			set.marks[table] = at
		}
	}
	for table := range set.marks {
		set.tables = append(set.tables, table)
	}
	sort.Strings(set.tables)
	return set, nil
}

// moveWatermarks copies legacy last-sync times into the metadata store and
// then removes the keys. A failure removing the keys undoes the copy.
func (r *Runner) moveWatermarks(ctx context.Context, userID string) (int, error) {
	set, err := r.legacyWatermarks(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(set.keys) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(set.keys))
	for k := range set.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var written []string
	steps := []txn.Step{
		{
			Name: "write sync metadata",
			Operation: func(ctx context.Context) error {
				for _, table := range set.tables {
					cur, err := r.meta.GetSyncMetadata(ctx, table, userID)
					if err != nil {
						return err
					}
					if cur != nil && cur.LastPullAt != nil {
						continue
					}
					if err := r.meta.UpdateLastSyncTime(ctx, table, userID, store.KindPull, set.marks[table]); err != nil {
						return err
					}
					written = append(written, table)
				}
				return nil
			},
			Rollback: func(ctx context.Context) error {
				var errs []error
				for _, table := range written {
					errs = append(errs, r.meta.ClearLastSyncTime(ctx, table, userID, store.KindPull))
				}
				return errors.Join(errs...)
			},
		},
		{
			Name: "delete legacy keys",
			Operation: func(ctx context.Context) error {
				return r.meta.DeleteLegacyKeys(ctx, keys)
			},
			Rollback: func(ctx context.Context) error {
				return r.meta.RestoreLegacyKeys(ctx, set.keys)
			},
		},
	}
	if err := r.tx.ExecuteWithRollback(ctx, steps); err != nil {
		return 0, fmt.Errorf("move legacy watermarks: %w", err)
	}
	return len(written), nil
}

// parseLegacyKey splits lastSync_<table>[_<user>]. Table names contain
// underscores, so the longest matching table wins.
func parseLegacyKey(key string) (table, owner string, ok bool) {
	rest, found := strings.CutPrefix(key, LegacyPrefix)
	if !found {
		return "", "", false
	}
	for _, name := range schema.Names() {
		if len(name) <= len(table) {
			continue
		}
		switch {
		case rest == name:
			table, owner, ok = name, "", true
		case strings.HasPrefix(rest, name+"_") && len(rest) > len(name)+1:
			table, owner, ok = name, rest[len(name)+1:], true
		}
	}
	return table, owner, ok
}

// parseLegacyTime accepts epoch milliseconds or any timestamp layout the
// local store understands.
func parseLegacyTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return schema.ParseTime(strings.Trim(v, `"`))
}
