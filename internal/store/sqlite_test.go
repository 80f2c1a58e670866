package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitsync/internal/database"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

func TestSyncMetadataLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	m, err := s.GetSyncMetadata(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Nil(t, m)

	require.NoError(t, s.UpdateSyncStatus(ctx, "workouts", "u1", StatusSyncing, ""))
	require.NoError(t, s.UpdateSyncStatus(ctx, "workouts", "u1", StatusError, "remote unavailable"))

	m, err = s.GetSyncMetadata(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Equal(t, StatusError, m.SyncStatus)
	require.Equal(t, "remote unavailable", m.ErrorMessage)
	require.NotNil(t, m.LastErrorAt)
	require.Equal(t, int64(2), m.Version)

	pulled := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateLastSyncTime(ctx, "workouts", "u1", KindPull, pulled))
	require.NoError(t, s.UpdateSyncStatus(ctx, "workouts", "u1", StatusSuccess, ""))
	require.NoError(t, s.IncrementConflictCount(ctx, "workouts", "u1", 2))
	require.NoError(t, s.IncrementConflictCount(ctx, "workouts", "u1", 1))
	require.NoError(t, s.SetRecordCount(ctx, "workouts", "u1", 42))

	m, err = s.GetSyncMetadata(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, m.SyncStatus)
	require.Empty(t, m.ErrorMessage)
	require.True(t, pulled.Equal(*m.LastPullAt))
	require.True(t, pulled.Equal(*m.LastSyncAt))
	require.Nil(t, m.LastPushAt)
	require.Equal(t, 3, m.ConflictCount)
	require.Equal(t, 42, m.RecordCount)

	require.Error(t, s.UpdateLastSyncTime(ctx, "workouts", "u1", SyncKind("sideways"), pulled))
}

func TestClearLastSyncTimeKeepsTheRest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	pushed := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	pulled := pushed.Add(time.Hour)
	require.NoError(t, s.UpdateLastSyncTime(ctx, "workouts", "u1", KindPush, pushed))
	require.NoError(t, s.UpdateLastSyncTime(ctx, "workouts", "u1", KindPull, pulled))
	require.NoError(t, s.IncrementConflictCount(ctx, "workouts", "u1", 2))

	require.NoError(t, s.ClearLastSyncTime(ctx, "workouts", "u1", KindPull))

	m, err := s.GetSyncMetadata(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Nil(t, m.LastPullAt)
	require.True(t, pushed.Equal(*m.LastPushAt))
	require.True(t, pushed.Equal(*m.LastSyncAt))
	require.Equal(t, 2, m.ConflictCount)

	require.Error(t, s.ClearLastSyncTime(ctx, "workouts", "u1", SyncKind("sideways")))
}

func TestResetSyncMetadata(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, table := range []string{"workouts", "templates", "settings"} {
		require.NoError(t, s.UpdateSyncStatus(ctx, table, "u1", StatusSuccess, ""))
	}
	require.NoError(t, s.UpdateSyncStatus(ctx, "workouts", "u2", StatusSuccess, ""))

	require.NoError(t, s.ResetSyncMetadata(ctx, "u1", "workouts", "templates"))
	list, err := s.ListSyncMetadata(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "settings", list[0].TableName)

	require.NoError(t, s.ResetSyncMetadata(ctx, "u1"))
	list, err = s.ListSyncMetadata(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, list)

	list, err = s.ListSyncMetadata(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestConflictLog(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	detected := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	c := &Conflict{
		ID:                 "c1",
		TableName:          "workouts",
		RecordID:           "w1",
		UserID:             "u1",
		LocalData:          json.RawMessage(`{"version":2}`),
		RemoteData:         json.RawMessage(`{"version":3}`),
		ConflictType:       "concurrent_modification",
		DetectedAt:         detected,
		Resolved:           true,
		ResolutionStrategy: "last_write_wins",
		Winner:             "remote",
		ResolvedAt:         &detected,
	}
	require.NoError(t, s.CreateConflict(ctx, c))

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "remote", got.Winner)
	require.True(t, got.Resolved)
	require.JSONEq(t, `{"version":3}`, string(got.RemoteData))

	missing, err := s.GetConflict(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	list, err := s.ListConflicts(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = s.ListConflicts(ctx, "u2", 10, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSyncHistory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	started := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	h := &SyncHistory{ID: "h1", UserID: "u1", StartedAt: started, Direction: "bidirectional", TablesSynced: "workouts", Status: "running"}
	require.NoError(t, s.CreateSyncHistory(ctx, h))

	done := started.Add(time.Minute)
	h.CompletedAt = &done
	h.TotalRows = 12
	h.Status = "success"
	require.NoError(t, s.UpdateSyncHistory(ctx, h))

	list, err := s.GetSyncHistory(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, int64(12), list[0].TotalRows)
	require.True(t, done.Equal(*list[0].CompletedAt))

	require.Error(t, s.UpdateSyncHistory(ctx, &SyncHistory{ID: "missing"}))
}

func TestMigrationLedgerAndLegacyKeys(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ok, err := s.MigrationApplied(ctx, "sync_columns_v1", "u1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkMigrationApplied(ctx, "sync_columns_v1", "u1", time.Now()))
	ok, err = s.MigrationApplied(ctx, "sync_columns_v1", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RestoreLegacyKeys(ctx, map[string]string{
		"lastSync_workouts":    "2024-01-01T00:00:00Z",
		"lastSync_settings_u1": "2024-02-01T00:00:00Z",
		"theme":                "dark",
	}))
	keys, err := s.LegacyKeys(ctx, "lastSync_")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.NoError(t, s.DeleteLegacyKeys(ctx, []string{"lastSync_workouts", "lastSync_settings_u1"}))
	keys, err = s.LegacyKeys(ctx, "lastSync_")
	require.NoError(t, err)
	require.Empty(t, keys)

	keys, err = s.LegacyKeys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"theme": "dark"}, keys)
}
