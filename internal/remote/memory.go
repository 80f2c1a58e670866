package remote

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"fitsync/internal/apperr"
	"fitsync/internal/schema"
)

type MemoryStats struct {
	Reads       int
	Upserts     int
	RowsWritten int
}

// Memory is an in-process Backend. Rows are kept in their remote shape so
// every read and write goes through the same conversion as the SQL backend.
type Memory struct {
	mu     sync.Mutex
	tables map[string]map[string]schema.Row
	stats  MemoryStats

	readFailures   []error
	upsertFailures []error
	rowFailures    map[string]error
	tableFailures  map[string]error
	onRead         func(ctx context.Context, table string)
	precision      time.Duration
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tables:        map[string]map[string]schema.Row{},
		rowFailures:   map[string]error{},
		tableFailures: map[string]error{},
	}
}

// Seed stores records as they are, bypassing failure injection.
func (m *Memory) Seed(table string, recs ...schema.Record) error {
	spec, err := lookup(table)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		row, err := spec.ToRow(rec)
		if err != nil {
			return err
		}
		if err := m.put(spec, row); err != nil {
			return err
		}
	}
	return nil
}

// FailNextReads makes the next len(errs) read calls fail, in order.
func (m *Memory) FailNextReads(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFailures = append(m.readFailures, errs...)
}

// FailNextUpserts makes the next len(errs) Upsert calls fail as a whole.
func (m *Memory) FailNextUpserts(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertFailures = append(m.upsertFailures, errs...)
}

// FailRecord rejects every upsert of the given record with err.
func (m *Memory) FailRecord(table, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rowFailures[table+"/"+id] = err
}

// FailTable makes every read of table fail with err until cleared with nil.
func (m *Memory) FailTable(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.tableFailures, table)
		return
	}
	m.tableFailures[table] = err
}

// SetTimePrecision truncates stored timestamps to d, the way a DATETIME(n)
// column would. Zero keeps them as sent.
func (m *Memory) SetTimePrecision(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precision = d
}

// OnRead registers a hook that runs at the start of every read call.
func (m *Memory) OnRead(fn func(ctx context.Context, table string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRead = fn
}

func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Records returns every stored record of table in fetch order.
func (m *Memory) Records(table string) []schema.Record {
	spec, err := lookup(table)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, _ := m.decodeAll(spec, func(schema.Record) bool { return true })
	return recs
}

func (m *Memory) Record(table, id string) *schema.Record {
	for _, rec := range m.Records(table) {
		if rec.ID == id {
			return &rec
		}
	}
	return nil
}

func (m *Memory) beginRead(ctx context.Context, table string) error {
	m.mu.Lock()
	hook := m.onRead
	m.stats.Reads++
	err := m.tableFailures[table]
	if err == nil && len(m.readFailures) > 0 {
		err = m.readFailures[0]
		m.readFailures = m.readFailures[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, table)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func visible(spec schema.TableSpec, rec schema.Record, userID string) bool {
	if rec.UserID == nil {
		return spec.SharedCatalog
	}
	return *rec.UserID == userID
}

func (m *Memory) Fetch(ctx context.Context, table, userID string, q FetchQuery) ([]schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	if err := m.beginRead(ctx, table); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.decodeAll(spec, func(rec schema.Record) bool {
		if !visible(spec, rec, userID) {
			return false
		}
		if !q.Since.IsZero() && !rec.UpdatedAt.After(q.Since) {
			return false
		}
		if q.After != nil {
			if rec.UpdatedAt.Before(q.After.UpdatedAt) {
				return false
			}
			if rec.UpdatedAt.Equal(q.After.UpdatedAt) && rec.ID <= q.After.ID {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs, nil
}

func (m *Memory) FetchAll(ctx context.Context, table, userID string) ([]schema.Record, error) {
	return m.Fetch(ctx, table, userID, FetchQuery{})
}

func (m *Memory) Get(ctx context.Context, table, userID, id string) (*schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	if err := m.beginRead(ctx, table); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return nil, nil
	}
	rec, err := spec.FromRow(maps.Clone(row))
	if err != nil {
		return nil, err
	}
	if !visible(spec, rec, userID) {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) Upsert(ctx context.Context, table string, rows []schema.Row) ([]error, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Upserts++
	if len(m.upsertFailures) > 0 {
		err := m.upsertFailures[0]
		m.upsertFailures = m.upsertFailures[1:]
		return make([]error, len(rows)), err
	}

	errs := make([]error, len(rows))
	for i, row := range rows {
		rec, err := spec.FromRow(maps.Clone(row))
		if err != nil {
			errs[i] = apperr.Wrap(apperr.InvalidData, "upsert "+table, err)
			continue
		}
		if ferr, ok := m.rowFailures[table+"/"+rec.ID]; ok {
			errs[i] = ferr
			continue
		}
		if err := m.put(spec, row); err != nil {
			errs[i] = err
			continue
		}
		m.stats.RowsWritten++
	}
	return errs, nil
}

func (m *Memory) put(spec schema.TableSpec, row schema.Row) error {
	rec, err := spec.FromRow(maps.Clone(row))
	if err != nil {
		return apperr.Wrap(apperr.InvalidData, "store "+spec.Name, err)
	}
	if m.tables[spec.Name] == nil {
		m.tables[spec.Name] = map[string]schema.Row{}
	}
	stored := maps.Clone(row)
	if m.precision > 0 {
		for _, col := range []string{schema.ColCreatedAt, schema.ColUpdatedAt, schema.ColDeletedAt} {
			if t, ok := stored[col].(time.Time); ok {
				stored[col] = t.Truncate(m.precision)
			}
		}
	}
	m.tables[spec.Name][rec.ID] = stored
	return nil
}

func (m *Memory) decodeAll(spec schema.TableSpec, keep func(schema.Record) bool) ([]schema.Record, error) {
	var out []schema.Record
	for _, row := range m.tables[spec.Name] {
		rec, err := spec.FromRow(maps.Clone(row))
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b schema.Record) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
