package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordID(t *testing.T) {
	workouts, _ := Lookup("workouts")
	id, err := workouts.RecordID(Record{ID: "w1"})
	require.NoError(t, err)
	require.Equal(t, "w1", id)

	_, err = workouts.RecordID(Record{})
	require.Error(t, err)

	muscles, _ := Lookup("muscle_status")
	id, err = muscles.RecordID(Record{UserID: StringPtr("u1"), Fields: map[string]any{"muscle": "chest"}})
	require.NoError(t, err)
	require.Equal(t, "u1:chest", id)

	_, err = muscles.RecordID(Record{Fields: map[string]any{"muscle": "chest"}})
	require.Error(t, err)

	user, natural, ok := SplitCompositeID("u1:2024-05-01")
	require.True(t, ok)
	require.Equal(t, "u1", user)
	require.Equal(t, "2024-05-01", natural)
}

func TestKeyColumns(t *testing.T) {
	settings, _ := Lookup("settings")
	require.Equal(t, []string{"user_id", "setting_key"}, settings.KeyColumns())
	require.NotContains(t, settings.RemoteColumns(), "id")

	workouts, _ := Lookup("workouts")
	require.Equal(t, []string{"id"}, workouts.KeyColumns())
	require.Equal(t, "id", workouts.RemoteColumns()[0])
}

func TestRegistryFlags(t *testing.T) {
	var dependent []string
	for _, tbl := range Tables {
		if tbl.Dependent {
			dependent = append(dependent, tbl.Name)
		}
	}
	require.Equal(t, []string{"user_profiles", "settings"}, dependent)

	exercises, ok := Lookup("exercises")
	require.True(t, ok)
	require.True(t, exercises.SharedCatalog)

	_, ok = Lookup("nope")
	require.False(t, ok)
}

func TestRowRoundTrip(t *testing.T) {
	workouts, _ := Lookup("workouts")
	created := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	deleted := created.Add(time.Hour)
	rec := Record{
		ID:        "w1",
		UserID:    StringPtr("u1"),
		Version:   3,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
		DeletedAt: &deleted,
		Fields: map[string]any{
			"name":        "Push day",
			"durationSec": 3600,
			"startedAt":   created,
			"exercises": []any{
				map[string]any{"exerciseId": "bench", "sets": []any{map[string]any{"reps": 5, "weight": 100}}},
			},
		},
	}

	row, err := workouts.ToRow(rec)
	require.NoError(t, err)
	require.Equal(t, "w1", row["id"])
	require.Equal(t, int64(3), row["version"])
	require.IsType(t, "", row["exercises"])
	require.JSONEq(t, `[{"exerciseId":"bench","sets":[{"reps":5,"weight":100}]}]`, row["exercises"].(string))
	require.Nil(t, row["notes"])

	back, err := workouts.FromRow(row)
	require.NoError(t, err)
	require.Equal(t, "w1", back.ID)
	require.Equal(t, "u1", back.Owner())
	require.Equal(t, int64(3), back.Version)
	require.True(t, back.UpdatedAt.Equal(rec.UpdatedAt))
	require.NotNil(t, back.DeletedAt)
	require.Equal(t, int64(3600), back.Fields["durationSec"])
	require.Equal(t, FormatTime(created), back.Fields["startedAt"])
	require.Equal(t, []any{
		map[string]any{"exerciseId": "bench", "sets": []any{map[string]any{"reps": float64(5), "weight": float64(100)}}},
	}, back.Fields["exercises"])
}

func TestFromRowCompositeAndTextTimestamps(t *testing.T) {
	sleep, _ := Lookup("sleep_logs")
	rec, err := sleep.FromRow(Row{
		"user_id":    []byte("u9"),
		"version":    []byte("2"),
		"created_at": "2024-05-01 07:00:00",
		"updated_at": "2024-05-01T07:30:00Z",
		"deleted_at": nil,
		"log_date":   "2024-05-01",
		"hours":      []byte("7.5"),
		"quality":    int64(4),
	})
	require.NoError(t, err)
	require.Equal(t, "u9:2024-05-01", rec.ID)
	require.Equal(t, int64(2), rec.Version)
	require.Equal(t, 7.5, rec.Fields["hours"])
	require.Equal(t, int64(4), rec.Fields["quality"])
	require.Nil(t, rec.DeletedAt)
	require.Equal(t, 30*time.Minute, rec.UpdatedAt.Sub(rec.CreatedAt))
}

func TestNormalize(t *testing.T) {
	profiles, _ := Lookup("user_profiles")
	out, err := profiles.Normalize(map[string]any{
		"weightKg": 80,
		"goals":    map[string]any{"targetWeight": 75},
		"extra":    "kept",
	})
	require.NoError(t, err)
	require.Equal(t, float64(80), out["weightKg"])
	require.Equal(t, map[string]any{"targetWeight": float64(75)}, out["goals"])
	require.Equal(t, "kept", out["extra"])

	_, err = profiles.Normalize(map[string]any{"weightKg": "heavy"})
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	rec := Record{ID: "a", UserID: StringPtr("u"), Fields: map[string]any{"name": "x"}}
	cp := rec.Clone()
	*cp.UserID = "other"
	cp.Fields["name"] = "y"
	require.Equal(t, "u", *rec.UserID)
	require.Equal(t, "x", rec.Fields["name"])
}

func TestTimestampsKeepMicroseconds(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 123456789, time.UTC)
	require.Equal(t, "2024-03-01T08:00:00.123456Z", FormatTime(at))
	require.True(t, SameInstant(at, at.Truncate(time.Microsecond)))
	require.False(t, SameInstant(at, at.Add(time.Microsecond)))

	workouts, _ := Lookup("workouts")
	row, err := workouts.ToRow(Record{ID: "w1", UserID: StringPtr("u1"), Version: 1, CreatedAt: at, UpdatedAt: at})
	require.NoError(t, err)
	require.Equal(t, 123456000, row[ColUpdatedAt].(time.Time).Nanosecond())
}
