package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// syncColumns are the columns a collection needs to take part in sync, with
// the definition used to add them to an older table.
var syncColumns = []struct{ name, ddl string }{
	{"user_id", "TEXT"},
	{"version", "INTEGER DEFAULT 0"},
	{"deleted_at", "TEXT"},
}

// Columns returns the column names of table, or nil when the table does not
// exist yet.
func (s *Store) Columns(ctx context.Context, table string) (map[string]bool, error) {
	if _, err := lookup(table); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("inspect %s: %w", table, err)
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	return cols, nil
}

// MissingSyncColumns lists the sync columns an existing table lacks.
func (s *Store) MissingSyncColumns(ctx context.Context, table string) ([]string, error) {
	cols, err := s.Columns(ctx, table)
	if err != nil || cols == nil {
		return nil, err
	}
	var missing []string
	for _, c := range syncColumns {
		if !cols[c.name] {
			missing = append(missing, c.name)
		}
	}
	return missing, nil
}

// AddSyncColumns adds whatever sync columns table lacks and returns their
// names. Tables that do not exist are left for Init.
func (s *Store) AddSyncColumns(ctx context.Context, table string) ([]string, error) {
	missing, err := s.MissingSyncColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	for _, name := range missing {
		for _, c := range syncColumns {
			if c.name != name {
				continue
			}
			if _, err := s.q.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, c.name, c.ddl)); err != nil {
				return nil, fmt.Errorf("add %s.%s: %w", table, c.name, err)
			}
		}
	}
	return missing, nil
}

// UnversionedIDs returns the ids of rows that never got a version.
func (s *Store) UnversionedIDs(ctx context.Context, table string) ([]string, error) {
	if _, err := lookup(table); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE version IS NULL OR version = 0 ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetInitialVersion gives the listed rows version 1 if they still have none.
func (s *Store) SetInitialVersion(ctx context.Context, table string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.q.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET version = 1 WHERE (version IS NULL OR version = 0) AND id IN (%s)`,
		table, strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","),
	), args...)
	if err != nil {
		return 0, fmt.Errorf("version %s: %w", table, err)
	}
	return res.RowsAffected()
}

// ClaimOrphans assigns rows without an owner to userID. On shared catalog
// tables only rows flagged isCustom are claimed; the rest stay library rows.
func (s *Store) ClaimOrphans(ctx context.Context, table, userID string) (int64, error) {
	spec, err := lookup(table)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s SET user_id = ? WHERE user_id IS NULL`, table)
	if spec.SharedCatalog {
		query += ` AND json_extract(data, '$.isCustom') IN (1, 'true')`
	}
	res, err := s.q.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", table, err)
	}
	return res.RowsAffected()
}

// ClearEmptyTombstones turns deleted_at values stored as "" into NULL.
func (s *Store) ClearEmptyTombstones(ctx context.Context, table string) (int64, error) {
	if _, err := lookup(table); err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = NULL WHERE deleted_at = ''`, table))
	if err != nil {
		return 0, fmt.Errorf("tombstones %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *Store) hasRows(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// NeedsCleanup reports whether table still has rows waiting to be back-filled.
func (s *Store) NeedsCleanup(ctx context.Context, table string) (bool, error) {
	spec, err := lookup(table)
	if err != nil {
		return false, err
	}
	orphans := `user_id IS NULL`
	if spec.SharedCatalog {
		orphans += ` AND json_extract(data, '$.isCustom') IN (1, 'true')`
	}
	return s.hasRows(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE version IS NULL OR version = 0 OR deleted_at = '' OR (%s) LIMIT 1`,
		table, orphans,
	))
}
