package migrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitsync/internal/database"
	"fitsync/internal/localdb"
	"fitsync/internal/store"
	"fitsync/internal/txn"
)

type env struct {
	db    *database.Database
	local *localdb.Store
	meta  *store.SQLiteStore
	tx    *txn.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	meta, err := store.NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	local := localdb.New(db)
	return &env{db: db, local: local, meta: meta, tx: txn.NewManager(local)}
}

func (e *env) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := e.db.DB.Exec(query, args...)
	require.NoError(t, err)
}

func TestRunUpgradesLegacyTable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.exec(t, `CREATE TABLE workouts (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}'
	)`)
	e.exec(t, `INSERT INTO workouts (id, created_at, updated_at, data) VALUES
		('w1', '2024-05-01T08:00:00Z', '2024-05-01T08:00:00Z', '{"name":"Legs"}'),
		('w2', '2024-05-02T08:00:00Z', '2024-05-02T08:00:00Z', '{"name":"Back"}')`)

	r := NewRunner(e.tx, e.meta, WithBatchSize(1))
	needs, err := r.NeedsMigration(ctx, "u1")
	require.NoError(t, err)
	require.True(t, needs)

	report, err := r.Run(ctx, "u1")
	require.NoError(t, err)
	require.False(t, report.AlreadyApplied)
	require.Equal(t, []string{"user_id", "version", "deleted_at"}, report.ColumnsAdded["workouts"])
	require.Equal(t, int64(2), report.Versioned)
	require.Equal(t, int64(2), report.Claimed)

	recs, err := e.local.GetAllForUser(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.Equal(t, int64(1), rec.Version)
		require.False(t, rec.Deleted())
	}

	// every other collection now exists
	n, err := e.local.Count(ctx, "sleep_logs", "u1")
	require.NoError(t, err)
	require.Zero(t, n)

	needs, err = r.NeedsMigration(ctx, "u1")
	require.NoError(t, err)
	require.False(t, needs)
}

func TestRunCleansRows(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.local.Init(ctx))
	e.exec(t, `INSERT INTO exercises (id, user_id, version, created_at, updated_at, deleted_at, data) VALUES
		('bench', NULL, 1, '2024-05-01T08:00:00Z', '2024-05-01T08:00:00Z', NULL, '{"name":"Bench press"}'),
		('fly', NULL, 1, '2024-05-01T08:00:00Z', '2024-05-01T08:00:00Z', NULL, '{"name":"Cable fly","isCustom":true}')`)
	e.exec(t, `INSERT INTO workouts (id, user_id, version, created_at, updated_at, deleted_at, data) VALUES
		('w1', NULL, 0, '2024-05-01T08:00:00Z', '2024-05-01T08:00:00Z', '', '{}'),
		('w2', 'u1', 4, '2024-05-01T08:00:00Z', '2024-05-01T08:00:00Z', NULL, '{}')`)

	report, err := NewRunner(e.tx, e.meta).Run(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, report.ColumnsAdded)
	require.Equal(t, int64(1), report.Versioned)
	require.Equal(t, int64(2), report.Claimed)
	require.Equal(t, int64(1), report.Tombstones)

	shared, err := e.local.GetShared(ctx, "exercises")
	require.NoError(t, err)
	require.Len(t, shared, 1)
	require.Equal(t, "bench", shared[0].ID)

	fly, err := e.local.GetByID(ctx, "exercises", "fly")
	require.NoError(t, err)
	require.Equal(t, "u1", fly.Owner())

	w1, err := e.local.GetByID(ctx, "workouts", "w1")
	require.NoError(t, err)
	require.Equal(t, int64(1), w1.Version)
	require.Nil(t, w1.DeletedAt)

	w2, err := e.local.GetByID(ctx, "workouts", "w2")
	require.NoError(t, err)
	require.Equal(t, int64(4), w2.Version)
}

func TestRunMovesLegacyWatermarks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.meta.RestoreLegacyKeys(ctx, map[string]string{
		"lastSync_workouts":      "1714550400000",
		"lastSync_sleep_logs_u1": "2024-05-02T10:00:00Z",
		"lastSync_templates_u2":  "2024-05-03T10:00:00Z",
		"lastSync_bogus":         "2024-05-03T10:00:00Z",
		"lastSync_settings":      "not a time",
	}))

	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewRunner(e.tx, e.meta, WithClock(func() time.Time { return fixed }))
	report, err := r.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, report.Watermarks)
	require.Zero(t, report.Duration)

	meta, err := e.meta.GetSyncMetadata(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.NotNil(t, meta.LastPullAt)
	require.True(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC).Equal(*meta.LastPullAt))
	require.NotNil(t, meta.LastSyncAt)

	meta, err = e.meta.GetSyncMetadata(ctx, "sleep_logs", "u1")
	require.NoError(t, err)
	require.True(t, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC).Equal(*meta.LastPullAt))

	left, err := e.meta.LegacyKeys(ctx, LegacyPrefix)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"lastSync_templates_u2": "2024-05-03T10:00:00Z",
		"lastSync_bogus":        "2024-05-03T10:00:00Z",
		"lastSync_settings":     "not a time",
	}, left)

	again, err := r.Run(ctx, "u1")
	require.NoError(t, err)
	require.True(t, again.AlreadyApplied)
	require.Zero(t, again.Watermarks+int(again.Versioned+again.Claimed+again.Tombstones))

	applied, err := e.meta.MigrationApplied(ctx, Name, "u1")
	require.NoError(t, err)
	require.True(t, applied)
}

type failingDelete struct {
	store.Store
}

func (failingDelete) DeleteLegacyKeys(context.Context, []string) error {
	return errors.New("disk full")
}

func TestWatermarkMoveRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.meta.RestoreLegacyKeys(ctx, map[string]string{"lastSync_workouts": "1714550400000"}))
	pushed := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, e.meta.UpdateLastSyncTime(ctx, "workouts", "u1", store.KindPush, pushed))
	require.NoError(t, e.meta.IncrementConflictCount(ctx, "workouts", "u1", 3))

	_, err := NewRunner(e.tx, failingDelete{e.meta}).Run(ctx, "u1")
	require.ErrorContains(t, err, "disk full")

	meta, err := e.meta.GetSyncMetadata(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Nil(t, meta.LastPullAt)
	require.NotNil(t, meta.LastPushAt)
	require.True(t, pushed.Equal(*meta.LastPushAt))
	require.True(t, pushed.Equal(*meta.LastSyncAt))
	require.Equal(t, 3, meta.ConflictCount)

	left, err := e.meta.LegacyKeys(ctx, LegacyPrefix)
	require.NoError(t, err)
	require.Len(t, left, 1)

	applied, err := e.meta.MigrationApplied(ctx, Name, "u1")
	require.NoError(t, err)
	require.False(t, applied)
}

func TestParseLegacyKey(t *testing.T) {
	tests := []struct {
		key    string
		table  string
		owner  string
		wantOK bool
	}{
		{"lastSync_workouts", "workouts", "", true},
		{"lastSync_planned_workouts", "planned_workouts", "", true},
		{"lastSync_planned_workouts_u7", "planned_workouts", "u7", true},
		{"lastSync_muscle_status_user_1", "muscle_status", "user_1", true},
		{"lastSync_workouts_", "", "", false},
		{"lastSync_cardio", "", "", false},
		{"other_workouts", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			table, owner, ok := parseLegacyKey(tt.key)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.table, table)
			require.Equal(t, tt.owner, owner)
		})
	}
}

func TestRunNeedsUser(t *testing.T) {
	e := newEnv(t)
	_, err := NewRunner(e.tx, e.meta).Run(context.Background(), "")
	require.Error(t, err)
}
