package localdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitsync/internal/apperr"
	"fitsync/internal/database"
	"fitsync/internal/schema"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SetClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	rec, err := s.Create(ctx, "workouts", schema.Record{
		UserID: schema.StringPtr("u1"),
		Fields: map[string]any{"name": "Legs", "durationSec": 1800},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, int64(1), rec.Version)

	updated, err := s.Update(ctx, "workouts", rec.ID, map[string]any{"name": "Leg day"})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.True(t, updated.UpdatedAt.After(rec.UpdatedAt))

	got, err := s.GetByID(ctx, "workouts", rec.ID)
	require.NoError(t, err)
	require.Equal(t, "Leg day", got.Field("name"))
	require.Equal(t, int64(1800), got.Field("durationSec"))

	require.NoError(t, s.Delete(ctx, "workouts", rec.ID))
	got, err = s.GetByID(ctx, "workouts", rec.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted())
	require.Equal(t, int64(3), got.Version)

	// deleting twice leaves the tombstone alone
	require.NoError(t, s.Delete(ctx, "workouts", rec.ID))
	got, _ = s.GetByID(ctx, "workouts", rec.ID)
	require.Equal(t, int64(3), got.Version)

	all, err := s.GetAllForUser(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)

	n, err := s.Count(ctx, "workouts", "u1")
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.Restore(ctx, "workouts", rec.ID))
	got, _ = s.GetByID(ctx, "workouts", rec.ID)
	require.False(t, got.Deleted())
	require.Equal(t, int64(4), got.Version)
}

func TestCreateCompositeKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec, err := s.Create(ctx, "settings", schema.Record{
		UserID: schema.StringPtr("u1"),
		Fields: map[string]any{"key": "units", "value": "metric"},
	})
	require.NoError(t, err)
	require.Equal(t, "u1:units", rec.ID)

	_, err = s.Create(ctx, "settings", schema.Record{
		UserID: schema.StringPtr("u1"),
		Fields: map[string]any{"key": "units", "value": "imperial"},
	})
	require.True(t, apperr.Is(err, apperr.Constraint))

	_, err = s.Create(ctx, "settings", schema.Record{Fields: map[string]any{"key": "units"}})
	require.True(t, apperr.Is(err, apperr.InvalidData))
}

func TestPutKeepsVersionAndTimestamps(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	updated := time.Date(2024, 5, 1, 12, 30, 0, 123000000, time.UTC)
	rec := schema.Record{
		ID:        "w1",
		UserID:    schema.StringPtr("u1"),
		Version:   7,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
		Fields:    map[string]any{"name": "Remote"},
	}
	require.NoError(t, s.Put(ctx, "workouts", rec))

	got, err := s.GetByID(ctx, "workouts", "w1")
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Version)
	require.True(t, updated.Equal(got.UpdatedAt))
	require.Equal(t, "Remote", got.Field("name"))
}

func TestSharedCatalog(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, "exercises", schema.Record{
		ID: "bench", Version: 1, CreatedAt: now, UpdatedAt: now,
		Fields: map[string]any{"name": "Bench press"},
	}))
	require.NoError(t, s.Put(ctx, "exercises", schema.Record{
		ID: "mine", UserID: schema.StringPtr("u1"), Version: 1, CreatedAt: now, UpdatedAt: now,
		Fields: map[string]any{"name": "Cable fly", "isCustom": true},
	}))

	shared, err := s.GetShared(ctx, "exercises")
	require.NoError(t, err)
	require.Len(t, shared, 1)
	require.Equal(t, "bench", shared[0].ID)

	owned, err := s.GetAllForUser(ctx, "exercises", "u1")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, true, owned[0].Field("isCustom"))
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now().UTC()

	err := s.Database().ExecTx(ctx, func(tx *sql.Tx) error {
		inTx := s.WithTx(tx)
		if err := inTx.Put(ctx, "workouts", schema.Record{
			ID: "w1", UserID: schema.StringPtr("u1"), Version: 1, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return apperr.New(apperr.Internal, "abort")
	})
	require.Error(t, err)

	got, err := s.GetByID(ctx, "workouts", "w1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUnknownTable(t *testing.T) {
	s := newStore(t)
	_, err := s.GetAllForUser(context.Background(), "nope", "u1")
	require.True(t, apperr.Is(err, apperr.InvalidData))
}

func TestUpdateMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Update(context.Background(), "workouts", "missing", nil)
	require.True(t, apperr.Is(err, apperr.NotFound))
}
