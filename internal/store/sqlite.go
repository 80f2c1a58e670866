package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fitsync/internal/database"
	"fitsync/internal/logger"
	"fitsync/internal/schema"
)

// SQLiteStore keeps sync bookkeeping next to the local collections.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, db *database.Database) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db.DB, now: time.Now}
	if err := s.init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialise state store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			table_name     TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			last_sync_at   TEXT,
			last_pull_at   TEXT,
			last_push_at   TEXT,
			sync_status    TEXT NOT NULL DEFAULT 'idle',
			conflict_count INTEGER NOT NULL DEFAULT 0,
			error_message  TEXT,
			last_error_at  TEXT,
			record_count   INTEGER NOT NULL DEFAULT 0,
			version        INTEGER NOT NULL DEFAULT 1,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (table_name, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id                  TEXT PRIMARY KEY,
			table_name          TEXT NOT NULL,
			record_id           TEXT NOT NULL,
			user_id             TEXT NOT NULL,
			local_data          TEXT,
			remote_data         TEXT,
			conflict_type       TEXT NOT NULL,
			detected_at         TEXT NOT NULL,
			resolved            INTEGER NOT NULL DEFAULT 0,
			resolution_strategy TEXT,
			winner              TEXT,
			resolved_at         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_user ON conflicts(user_id, detected_at)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			started_at         TEXT NOT NULL,
			completed_at       TEXT,
			direction          TEXT NOT NULL,
			tables_synced      TEXT NOT NULL,
			total_rows         INTEGER NOT NULL DEFAULT 0,
			conflicts_detected INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL,
			error_message      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS migrations (
			name       TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			PRIMARY KEY (name, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS legacy_kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetClock replaces the clock used for bookkeeping timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

const metadataColumns = `table_name, user_id, last_sync_at, last_pull_at, last_push_at, sync_status,
	conflict_count, error_message, last_error_at, record_count, version, updated_at`

func (s *SQLiteStore) GetSyncMetadata(ctx context.Context, tableName, userID string) (*SyncMetadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM sync_metadata WHERE table_name = ? AND user_id = ?`
	rows, err := s.db.QueryContext(ctx, query, tableName, userID)
	if err != nil {
		return nil, err
	}
	list, err := scanMetadata(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *SQLiteStore) ListSyncMetadata(ctx context.Context, userID string) ([]*SyncMetadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM sync_metadata WHERE user_id = ? ORDER BY table_name`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return scanMetadata(rows)
}

func scanMetadata(rows *sql.Rows) ([]*SyncMetadata, error) {
	defer rows.Close()

	var out []*SyncMetadata
	for rows.Next() {
		var (
			m                                     SyncMetadata
			lastSync, lastPull, lastPush, lastErr sql.NullString
			errMsg                                sql.NullString
			updatedAt                             string
		)
		err := rows.Scan(
			&m.TableName,
			&m.UserID,
			&lastSync,
			&lastPull,
			&lastPush,
			&m.SyncStatus,
			&m.ConflictCount,
			&errMsg,
			&lastErr,
			&m.RecordCount,
			&m.Version,
			&updatedAt,
		)
		if err != nil {
			return nil, err
		}
		m.ErrorMessage = errMsg.String
		for _, f := range []struct {
			src sql.NullString
			dst **time.Time
		}{{lastSync, &m.LastSyncAt}, {lastPull, &m.LastPullAt}, {lastPush, &m.LastPushAt}, {lastErr, &m.LastErrorAt}} {
			if *f.dst, err = parseNullTime(f.src); err != nil {
				return nil, err
			}
		}
		if m.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpdateSyncStatus records the state of a table pass, creating the metadata
// row on first use. Error statuses keep message and time; success clears them.
func (s *SQLiteStore) UpdateSyncStatus(ctx context.Context, tableName, userID string, status SyncStatus, message string) error {
	now := schema.FormatTime(s.now())

	var errMsg, errAt any
	if status == StatusError {
		errMsg, errAt = message, now
	}

	query := `INSERT INTO sync_metadata (table_name, user_id, sync_status, error_message, last_error_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT (table_name, user_id) DO UPDATE SET
			  sync_status = excluded.sync_status,
			  error_message = CASE
				WHEN excluded.sync_status = 'error' THEN excluded.error_message
				WHEN excluded.sync_status = 'success' THEN NULL
				ELSE sync_metadata.error_message END,
			  last_error_at = COALESCE(excluded.last_error_at, sync_metadata.last_error_at),
			  version = sync_metadata.version + 1,
			  updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, tableName, userID, string(status), errMsg, errAt, now)
	return err
}

// UpdateLastSyncTime advances the pull or push watermark and last_sync_at.
func (s *SQLiteStore) UpdateLastSyncTime(ctx context.Context, tableName, userID string, kind SyncKind, at time.Time) error {
	var column string
	switch kind {
	case KindPull:
		column = "last_pull_at"
	case KindPush:
		column = "last_push_at"
	default:
		return fmt.Errorf("unknown sync kind %q", kind)
	}

	ts := schema.FormatTime(at)
	query := fmt.Sprintf(`INSERT INTO sync_metadata (table_name, user_id, %[1]s, last_sync_at, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT (table_name, user_id) DO UPDATE SET
			  %[1]s = excluded.%[1]s,
			  last_sync_at = excluded.last_sync_at,
			  version = sync_metadata.version + 1,
			  updated_at = excluded.updated_at`, column)

	_, err := s.db.ExecContext(ctx, query, tableName, userID, ts, ts, schema.FormatTime(s.now()))
	return err
}

// ClearLastSyncTime drops one watermark and leaves the rest of the row alone.
// last_sync_at falls back to the remaining watermark.
func (s *SQLiteStore) ClearLastSyncTime(ctx context.Context, tableName, userID string, kind SyncKind) error {
	var column, other string
	switch kind {
	case KindPull:
		column, other = "last_pull_at", "last_push_at"
	case KindPush:
		column, other = "last_push_at", "last_pull_at"
	default:
		return fmt.Errorf("unknown sync kind %q", kind)
	}

	query := fmt.Sprintf(`UPDATE sync_metadata SET %s = NULL, last_sync_at = %s,
			  version = version + 1, updated_at = ?
			  WHERE table_name = ? AND user_id = ?`, column, other)
	_, err := s.db.ExecContext(ctx, query, schema.FormatTime(s.now()), tableName, userID)
	return err
}

func (s *SQLiteStore) IncrementConflictCount(ctx context.Context, tableName, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	query := `INSERT INTO sync_metadata (table_name, user_id, conflict_count, updated_at)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT (table_name, user_id) DO UPDATE SET
			  conflict_count = sync_metadata.conflict_count + excluded.conflict_count,
			  updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, tableName, userID, n, schema.FormatTime(s.now()))
	return err
}

func (s *SQLiteStore) SetRecordCount(ctx context.Context, tableName, userID string, n int) error {
	query := `INSERT INTO sync_metadata (table_name, user_id, record_count, updated_at)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT (table_name, user_id) DO UPDATE SET
			  record_count = excluded.record_count,
			  updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, tableName, userID, n, schema.FormatTime(s.now()))
	return err
}

// ResetSyncMetadata forgets watermarks for userID so the next pass is a full
// sync. With no tables given every table is reset.
func (s *SQLiteStore) ResetSyncMetadata(ctx context.Context, userID string, tables ...string) error {
	query := `DELETE FROM sync_metadata WHERE user_id = ?`
	args := []any{userID}
	if len(tables) > 0 {
		query += ` AND table_name IN (` + placeholders(len(tables)) + `)`
		for _, t := range tables {
			args = append(args, t)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	logger.Log.Info("Sync metadata reset",
		zap.String("user", userID),
		zap.Strings("tables", tables),
		zap.Int64("rows", n),
	)
	return nil
}

func (s *SQLiteStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, table_name, record_id, user_id, local_data, remote_data, conflict_type,
			  detected_at, resolved, resolution_strategy, winner, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ID,
		conflict.TableName,
		conflict.RecordID,
		conflict.UserID,
		string(conflict.LocalData),
		string(conflict.RemoteData),
		conflict.ConflictType,
		schema.FormatTime(conflict.DetectedAt),
		conflict.Resolved,
		nullString(conflict.ResolutionStrategy),
		nullString(conflict.Winner),
		formatNullTime(conflict.ResolvedAt),
	)
	return err
}

const conflictColumns = `id, table_name, record_id, user_id, local_data, remote_data, conflict_type,
	detected_at, resolved, resolution_strategy, winner, resolved_at`

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	list, err := scanConflicts(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, userID string, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE user_id = ?
			  ORDER BY detected_at DESC, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanConflicts(rows)
}

func scanConflicts(rows *sql.Rows) ([]*Conflict, error) {
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		var (
			c                            Conflict
			local, remote                sql.NullString
			strategy, winner, resolvedAt sql.NullString
			detectedAt                   string
		)
		err := rows.Scan(
			&c.ID,
			&c.TableName,
			&c.RecordID,
			&c.UserID,
			&local,
			&remote,
			&c.ConflictType,
			&detectedAt,
			&c.Resolved,
			&strategy,
			&winner,
			&resolvedAt,
		)
		if err != nil {
			return nil, err
		}
		c.LocalData = []byte(local.String)
		c.RemoteData = []byte(remote.String)
		c.ResolutionStrategy = strategy.String
		c.Winner = winner.String
		if c.DetectedAt, err = schema.ParseTime(detectedAt); err != nil {
			return nil, err
		}
		if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, user_id, started_at, completed_at, direction, tables_synced, total_rows,
			  conflicts_detected, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		history.ID,
		history.UserID,
		schema.FormatTime(history.StartedAt),
		formatNullTime(history.CompletedAt),
		history.Direction,
		history.TablesSynced,
		history.TotalRows,
		history.ConflictsDetected,
		history.Status,
		nullString(history.ErrorMessage),
	)
	return err
}

func (s *SQLiteStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, total_rows = ?, conflicts_detected = ?, status = ?, error_message = ?
			  WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		formatNullTime(history.CompletedAt),
		history.TotalRows,
		history.ConflictsDetected,
		history.Status,
		nullString(history.ErrorMessage),
		history.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync history %s not found", history.ID)
	}
	return nil
}

func (s *SQLiteStore) GetSyncHistory(ctx context.Context, userID string, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, user_id, started_at, completed_at, direction, tables_synced, total_rows, conflicts_detected, status, error_message
			  FROM sync_history WHERE user_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h                   SyncHistory
			startedAt           string
			completedAt, errMsg sql.NullString
		)
		err := rows.Scan(
			&h.ID,
			&h.UserID,
			&startedAt,
			&completedAt,
			&h.Direction,
			&h.TablesSynced,
			&h.TotalRows,
			&h.ConflictsDetected,
			&h.Status,
			&errMsg,
		)
		if err != nil {
			return nil, err
		}
		h.ErrorMessage = errMsg.String
		if h.StartedAt, err = schema.ParseTime(startedAt); err != nil {
			return nil, err
		}
		if h.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

func (s *SQLiteStore) MigrationApplied(ctx context.Context, name, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM migrations WHERE name = ? AND user_id = ?`, name, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) MarkMigrationApplied(ctx context.Context, name, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO migrations (name, user_id, applied_at) VALUES (?, ?, ?)
		 ON CONFLICT (name, user_id) DO UPDATE SET applied_at = excluded.applied_at`,
		name, userID, schema.FormatTime(at),
	)
	return err
}

// LegacyKeys returns the flat key/value entries whose key starts with prefix.
func (s *SQLiteStore) LegacyKeys(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM legacy_kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteLegacyKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM legacy_kv WHERE key IN (`+placeholders(len(keys))+`)`, args...)
	return err
}

// RestoreLegacyKeys writes entries back, used to undo DeleteLegacyKeys.
func (s *SQLiteStore) RestoreLegacyKeys(ctx context.Context, values map[string]string) error {
	for k, v := range values {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO legacy_kv (key, value) VALUES (?, ?)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, k, v,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return schema.FormatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := schema.ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
