package remote

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/database"
	"fitsync/internal/logger"
	"fitsync/internal/resilience"
	"fitsync/internal/schema"
)

// SQLBackend reads and writes the remote tables over database/sql.
type SQLBackend struct {
	db          *sql.DB
	dialect     Dialect
	concurrency int

	mu      sync.Mutex
	upserts map[string]string
}

var _ Backend = (*SQLBackend)(nil)

func NewSQLBackend(db *database.Database) (*SQLBackend, error) {
	d, err := DialectFor(db.Driver)
	if err != nil {
		return nil, err
	}
	return &SQLBackend{db: db.DB, dialect: d, concurrency: 4, upserts: map[string]string{}}, nil
}

// SetUpsertConcurrency bounds how many rows of one Upsert call are in flight.
func (b *SQLBackend) SetUpsertConcurrency(n int) {
	if n > 0 {
		b.concurrency = n
	}
}

func lookup(table string) (schema.TableSpec, error) {
	spec, ok := schema.Lookup(table)
	if !ok {
		return spec, apperr.New(apperr.InvalidData, "unknown table "+table)
	}
	return spec, nil
}

type argList struct {
	d    Dialect
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return a.d.Placeholder(len(a.args))
}

func orderColumn(spec schema.TableSpec) string {
	if spec.Identity == schema.CompositeKey {
		return spec.NaturalColumn()
	}
	return schema.ColID
}

// cursorKey turns a record identity into the value of orderColumn.
func cursorKey(spec schema.TableSpec, id string) string {
	if spec.Identity == schema.CompositeKey {
		if _, natural, ok := schema.SplitCompositeID(id); ok {
			return natural
		}
	}
	return id
}

func (b *SQLBackend) ownerFilter(spec schema.TableSpec, a *argList, userID string) string {
	col := b.dialect.Quote(schema.ColUserID)
	if spec.SharedCatalog {
		return fmt.Sprintf("(%s = %s OR %s IS NULL)", col, a.add(userID), col)
	}
	return fmt.Sprintf("%s = %s", col, a.add(userID))
}

func (b *SQLBackend) selectColumns(spec schema.TableSpec) string {
	cols := spec.RemoteColumns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = b.dialect.Quote(c)
	}
	return strings.Join(quoted, ", ")
}

func (b *SQLBackend) fetchQuery(spec schema.TableSpec, userID string, q FetchQuery) (string, []any) {
	a := &argList{d: b.dialect}
	updated := b.dialect.Quote(schema.ColUpdatedAt)
	key := b.dialect.Quote(orderColumn(spec))

	where := []string{b.ownerFilter(spec, a, userID)}
	if !q.Since.IsZero() {
		where = append(where, fmt.Sprintf("%s > %s", updated, a.add(q.Since.UTC())))
	}
	if q.After != nil {
		at := q.After.UpdatedAt.UTC()
		where = append(where, fmt.Sprintf("(%s > %s OR (%s = %s AND %s > %s))",
			updated, a.add(at), updated, a.add(at), key, a.add(cursorKey(spec, q.After.ID))))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s, %s",
		b.selectColumns(spec), b.dialect.Quote(spec.Name), strings.Join(where, " AND "), updated, key)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return query, a.args
}

func (b *SQLBackend) Fetch(ctx context.Context, table, userID string, q FetchQuery) ([]schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	query, args := b.fetchQuery(spec, userID, q)
	return b.query(ctx, spec, query, args)
}

func (b *SQLBackend) FetchAll(ctx context.Context, table, userID string) ([]schema.Record, error) {
	return b.Fetch(ctx, table, userID, FetchQuery{})
}

func (b *SQLBackend) getQuery(spec schema.TableSpec, userID, id string) (string, []any, bool) {
	a := &argList{d: b.dialect}
	var where string
	if spec.Identity == schema.CompositeKey {
		owner, natural, ok := schema.SplitCompositeID(id)
		if !ok || owner != userID {
			return "", nil, false
		}
		where = fmt.Sprintf("%s = %s AND %s = %s",
			b.dialect.Quote(schema.ColUserID), a.add(owner),
			b.dialect.Quote(spec.NaturalColumn()), a.add(natural))
	} else {
		where = fmt.Sprintf("%s = %s AND %s",
			b.dialect.Quote(schema.ColID), a.add(id), b.ownerFilter(spec, a, userID))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", b.selectColumns(spec), b.dialect.Quote(spec.Name), where)
	return query, a.args, true
}

func (b *SQLBackend) Get(ctx context.Context, table, userID, id string) (*schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	query, args, ok := b.getQuery(spec, userID, id)
	if !ok {
		return nil, nil
	}
	recs, err := b.query(ctx, spec, query, args)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (b *SQLBackend) query(ctx context.Context, spec schema.TableSpec, query string, args []any) ([]schema.Record, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query "+spec.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify("columns "+spec.Name, err)
	}

	var out []schema.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("scan "+spec.Name, err)
		}
		row := make(schema.Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		rec, err := spec.FromRow(row)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidData, "decode "+spec.Name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read "+spec.Name, err)
	}
	return out, nil
}

func (b *SQLBackend) upsertQuery(spec schema.TableSpec) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.upserts[spec.Name]; ok {
		return q
	}
	q := b.dialect.Upsert(spec.Name, spec.RemoteColumns(), spec.KeyColumns())
	b.upserts[spec.Name] = q
	return q
}

// Upsert writes rows concurrently. A rejected row is reported in its slot of
// the returned slice; an error that means the backend itself is unusable
// stops the remaining rows and is returned as the second value.
func (b *SQLBackend) Upsert(ctx context.Context, table string, rows []schema.Row) ([]error, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	query := b.upsertQuery(spec)
	cols := spec.RemoteColumns()

	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	errs := make([]error, len(rows))
	res := resilience.BatchWithPartialFailure(ctx, idx, func(ctx context.Context, i int) error {
		row := rows[i]
		args := make([]any, len(cols))
		for j, c := range cols {
			args[j] = row[c]
		}
		if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
			err = classify("upsert "+table, err)
			if rowFatal(err) {
				return err
			}
			logger.Log.Debug("Remote row rejected",
				zap.String("table", table),
				zap.Any("id", row[orderColumn(spec)]),
				zap.Error(err),
			)
			errs[i] = err
		}
		return nil
	}, resilience.BatchOptions{MaxConcurrency: b.concurrency, ContinueOnError: false})

	if len(res.Failed) > 0 {
		return errs, res.Failed[0].Err
	}
	return errs, nil
}
