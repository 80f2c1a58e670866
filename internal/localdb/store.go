package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fitsync/internal/apperr"
	"fitsync/internal/database"
	"fitsync/internal/schema"
)

// Store reads and writes the local collections. A Store returned by WithTx
// runs every statement inside that transaction.
type Store struct {
	db  *database.Database
	q   database.Querier
	now func() time.Time
}

func New(db *database.Database) *Store {
	return &Store{db: db, q: db.DB, now: time.Now}
}

func (s *Store) Database() *database.Database { return s.db }

func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx, now: s.now}
}

// SetClock replaces the clock used to stamp local mutations.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Init(ctx context.Context) error {
	for _, t := range schema.Tables {
		if _, err := s.q.ExecContext(ctx, tableDDL(t.Name)); err != nil {
			return fmt.Errorf("create %s: %w", t.Name, err)
		}
	}
	return nil
}

func tableDDL(name string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         TEXT PRIMARY KEY,
			user_id    TEXT,
			version    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			data       TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id, updated_at);`, name)
}

func lookup(table string) (schema.TableSpec, error) {
	spec, ok := schema.Lookup(table)
	if !ok {
		return spec, apperr.New(apperr.InvalidData, "unknown table "+table)
	}
	return spec, nil
}

const selectColumns = `id, user_id, version, created_at, updated_at, deleted_at, data`

// GetAllForUser returns every record owned by userID, tombstones included.
func (s *Store) GetAllForUser(ctx context.Context, table, userID string) ([]schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? ORDER BY updated_at, id`, selectColumns, table)
	return s.queryRecords(ctx, spec, query, userID)
}

// GetShared returns catalog rows that have no owner.
func (s *Store) GetShared(ctx context.Context, table string) ([]schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id IS NULL ORDER BY updated_at, id`, selectColumns, table)
	return s.queryRecords(ctx, spec, query)
}

// GetByID returns nil, nil when the record does not exist.
func (s *Store) GetByID(ctx context.Context, table, id string) (*schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectColumns, table)
	recs, err := s.queryRecords(ctx, spec, query, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *Store) Count(ctx context.Context, table, userID string) (int, error) {
	if _, err := lookup(table); err != nil {
		return 0, err
	}
	var n int
	err := s.q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = ? AND deleted_at IS NULL`, table), userID,
	).Scan(&n)
	return n, err
}

// Create inserts a new record at version 1. Surrogate tables get a generated
// id when none is set; composite tables derive theirs from the natural key.
func (s *Store) Create(ctx context.Context, table string, rec schema.Record) (schema.Record, error) {
	spec, err := lookup(table)
	if err != nil {
		return rec, err
	}
	rec = rec.Clone()
	if spec.Identity == schema.SurrogateKey && rec.ID == "" {
		rec.ID = schema.NewID()
	}
	if spec.Identity == schema.CompositeKey {
		if rec.ID, err = spec.RecordID(rec); err != nil {
			return rec, apperr.Wrap(apperr.InvalidData, "create "+table, err)
		}
	}
	now := schema.Stamp(s.now())
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	existing, err := s.GetByID(ctx, table, rec.ID)
	if err != nil {
		return rec, err
	}
	if existing != nil {
		return rec, apperr.New(apperr.Constraint, fmt.Sprintf("%s %s already exists", table, rec.ID))
	}
	return rec, s.Put(ctx, table, rec)
}

// Update merges fields into the record and bumps its version.
func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) (schema.Record, error) {
	return s.mutate(ctx, table, id, func(rec *schema.Record) error {
		if rec.Fields == nil {
			rec.Fields = map[string]any{}
		}
		for k, v := range fields {
			if v == nil {
				delete(rec.Fields, k)
				continue
			}
			rec.Fields[k] = v
		}
		return nil
	})
}

// Delete tombstones the record; the row stays so the delete can sync.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	_, err := s.mutate(ctx, table, id, func(rec *schema.Record) error {
		if rec.DeletedAt != nil {
			return errAlreadyApplied
		}
		now := schema.Stamp(s.now())
		rec.DeletedAt = &now
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	return err
}

// Restore clears a tombstone. Sync never does this on its own.
func (s *Store) Restore(ctx context.Context, table, id string) error {
	_, err := s.mutate(ctx, table, id, func(rec *schema.Record) error {
		if rec.DeletedAt == nil {
			return errAlreadyApplied
		}
		rec.DeletedAt = nil
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	return err
}

var errAlreadyApplied = errors.New("already applied")

func (s *Store) mutate(ctx context.Context, table, id string, fn func(rec *schema.Record) error) (schema.Record, error) {
	cur, err := s.GetByID(ctx, table, id)
	if err != nil {
		return schema.Record{}, err
	}
	if cur == nil {
		return schema.Record{}, apperr.New(apperr.NotFound, fmt.Sprintf("%s %s not found", table, id))
	}
	rec := cur.Clone()
	if err := fn(&rec); err != nil {
		return rec, err
	}
	rec.Version = cur.Version + 1
	now := schema.Stamp(s.now())
	if !now.After(cur.UpdatedAt) {
		now = cur.UpdatedAt.Add(time.Millisecond)
	}
	rec.UpdatedAt = now
	return rec, s.Put(ctx, table, rec)
}

// Put writes rec exactly as given, replacing any row with the same id. Sync
// uses it so pulled records keep their remote version and timestamps.
func (s *Store) Put(ctx context.Context, table string, rec schema.Record) error {
	spec, err := lookup(table)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return apperr.New(apperr.InvalidData, table+": record has no id")
	}
	fields, err := spec.Normalize(rec.Fields)
	if err != nil {
		return apperr.Wrap(apperr.InvalidData, "normalize "+table, err)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return apperr.Wrap(apperr.InvalidData, "encode "+table, err)
	}

	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = schema.FormatTime(*rec.DeletedAt)
	}
	var userID any
	if rec.UserID != nil {
		userID = *rec.UserID
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, version, created_at, updated_at, deleted_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			version = excluded.version,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			data = excluded.data`, table)

	_, err = s.q.ExecContext(ctx, query,
		rec.ID,
		userID,
		rec.Version,
		schema.FormatTime(rec.CreatedAt),
		schema.FormatTime(rec.UpdatedAt),
		deletedAt,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("put %s %s: %w", table, rec.ID, err)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, spec schema.TableSpec, query string, args ...any) ([]schema.Record, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", spec.Name, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var (
			rec                  schema.Record
			userID, deletedAt    sql.NullString
			version              sql.NullInt64
			createdAt, updatedAt string
			data                 sql.NullString
		)
		if err := rows.Scan(&rec.ID, &userID, &version, &createdAt, &updatedAt, &deletedAt, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", spec.Name, err)
		}
		if userID.Valid {
			rec.UserID = &userID.String
		}
		rec.Version = version.Int64
		if rec.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		if deletedAt.Valid && deletedAt.String != "" {
			d, err := schema.ParseTime(deletedAt.String)
			if err != nil {
				return nil, err
			}
			rec.DeletedAt = &d
		}
		rec.Fields = map[string]any{}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode %s %s: %w", spec.Name, rec.ID, err)
			}
		}
		if rec.Fields, err = spec.Normalize(rec.Fields); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
