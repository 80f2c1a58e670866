package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"fitsync/internal/apperr"
	"fitsync/internal/resilience"
	"fitsync/internal/schema"
)

var base = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

func workout(id, user string, version int64, updated time.Time) schema.Record {
	return schema.Record{
		ID:        id,
		UserID:    schema.StringPtr(user),
		Version:   version,
		CreatedAt: base,
		UpdatedAt: updated,
		Fields:    map[string]any{"name": "w " + id},
	}
}

func TestMySQLUpsert(t *testing.T) {
	q := MySQLDialect{}.Upsert("settings", []string{"user_id", "setting_key", "version", "value"}, []string{"user_id", "setting_key"})
	require.Equal(t,
		"INSERT INTO `settings` (`user_id`, `setting_key`, `version`, `value`) VALUES (?, ?, ?, ?)"+
			" ON DUPLICATE KEY UPDATE `version` = VALUES(`version`), `value` = VALUES(`value`)", q)
}

func TestPostgresUpsert(t *testing.T) {
	q := PostgresDialect{}.Upsert("workouts", []string{"id", "user_id", "version"}, []string{"id"})
	require.Equal(t,
		`INSERT INTO "workouts" ("id", "user_id", "version") VALUES ($1, $2, $3)`+
			` ON CONFLICT ("id") DO UPDATE SET "user_id" = EXCLUDED."user_id", "version" = EXCLUDED."version"`, q)
}

func TestFetchQuery(t *testing.T) {
	b := &SQLBackend{dialect: PostgresDialect{}, upserts: map[string]string{}}

	exercises, _ := schema.Lookup("exercises")
	query, args := b.fetchQuery(exercises, "u1", FetchQuery{
		Since: base,
		After: &Cursor{UpdatedAt: base.Add(time.Minute), ID: "e9"},
		Limit: 50,
	})
	require.Contains(t, query, `("user_id" = $1 OR "user_id" IS NULL)`)
	require.Contains(t, query, `"updated_at" > $2`)
	require.Contains(t, query, `("updated_at" > $3 OR ("updated_at" = $4 AND "id" > $5))`)
	require.Contains(t, query, `ORDER BY "updated_at", "id" LIMIT 50`)
	require.Equal(t, []any{"u1", base, base.Add(time.Minute), base.Add(time.Minute), "e9"}, args)

	sleep, _ := schema.Lookup("sleep_logs")
	query, args = b.fetchQuery(sleep, "u1", FetchQuery{After: &Cursor{UpdatedAt: base, ID: "u1:2024-04-01"}})
	require.Contains(t, query, `WHERE "user_id" = $1 AND`)
	require.Contains(t, query, `ORDER BY "updated_at", "log_date"`)
	require.NotContains(t, query, "LIMIT")
	require.Equal(t, "2024-04-01", args[len(args)-1])
}

func TestGetQuery(t *testing.T) {
	b := &SQLBackend{dialect: MySQLDialect{}, upserts: map[string]string{}}

	settings, _ := schema.Lookup("settings")
	query, args, ok := b.getQuery(settings, "u1", "u1:units")
	require.True(t, ok)
	require.Contains(t, query, "WHERE `user_id` = ? AND `setting_key` = ?")
	require.Equal(t, []any{"u1", "units"}, args)

	_, _, ok = b.getQuery(settings, "u1", "u2:units")
	require.False(t, ok)

	workouts, _ := schema.Lookup("workouts")
	query, args, ok = b.getQuery(workouts, "u1", "w1")
	require.True(t, ok)
	require.Contains(t, query, "WHERE `id` = ? AND `user_id` = ?")
	require.Equal(t, []any{"w1", "u1"}, args)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		code apperr.Code
	}{
		{&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, apperr.Constraint},
		{&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, apperr.Temporary},
		{&mysql.MySQLError{Number: 1045, Message: "Access denied"}, apperr.Unauthorized},
		{&pgconn.PgError{Code: "23505"}, apperr.Constraint},
		{&pgconn.PgError{Code: "40001"}, apperr.Temporary},
		{&pgconn.PgError{Code: "42501"}, apperr.PermissionDenied},
		{context.DeadlineExceeded, apperr.Timeout},
		{mysql.ErrInvalidConn, apperr.Network},
		{errors.New("connection refused"), apperr.Temporary},
		{errors.New("something odd"), apperr.Internal},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.err), func(t *testing.T) {
			require.Equal(t, c.code, apperr.CodeOf(classify("op", c.err)))
		})
	}
	require.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
}

func TestMemoryPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Seed("workouts", workout(fmt.Sprintf("w%d", i), "u1", 1, base.Add(time.Duration(i%2)*time.Minute))))
	}
	require.NoError(t, m.Seed("workouts", workout("other", "u2", 1, base)))

	var got []string
	var after *Cursor
	for {
		page, err := m.Fetch(ctx, "workouts", "u1", FetchQuery{After: after, Limit: 2})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			got = append(got, rec.ID)
		}
		last := page[len(page)-1]
		after = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	require.Equal(t, []string{"w0", "w2", "w4", "w1", "w3"}, got)

	page, err := m.Fetch(ctx, "workouts", "u1", FetchQuery{Since: base})
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestMemoryCatalogVisibility(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	shared := workout("bench", "", 1, base)
	shared.UserID = nil
	require.NoError(t, m.Seed("exercises", shared, workout("mine", "u1", 1, base)))

	recs, err := m.FetchAll(ctx, "exercises", "u2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "bench", recs[0].ID)

	rec, err := m.Get(ctx, "exercises", "u2", "mine")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestMemoryUpsertFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	spec, _ := schema.Lookup("workouts")

	var rows []schema.Row
	for _, id := range []string{"a", "b", "c"} {
		row, err := spec.ToRow(workout(id, "u1", 1, base))
		require.NoError(t, err)
		rows = append(rows, row)
	}

	m.FailRecord("workouts", "b", apperr.New(apperr.Constraint, "duplicate key"))
	errs, err := m.Upsert(ctx, "workouts", rows)
	require.NoError(t, err)
	require.NoError(t, errs[0])
	require.True(t, apperr.Is(errs[1], apperr.Constraint))
	require.NoError(t, errs[2])
	require.Len(t, m.Records("workouts"), 2)

	m.FailNextUpserts(apperr.New(apperr.Network, "down"))
	_, err = m.Upsert(ctx, "workouts", rows)
	require.True(t, apperr.Is(err, apperr.Network))
	require.Equal(t, 2, m.Stats().RowsWritten)
}

func TestGuardedOpensBreaker(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	g := WithBreaker(m, resilience.NewCircuitBreaker(resilience.BreakerOptions{
		Name:             "remote",
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}))

	down := apperr.New(apperr.Network, "unreachable")
	m.FailNextReads(down, down)
	_, err := g.FetchAll(ctx, "workouts", "u1")
	require.Error(t, err)
	_, err = g.FetchAll(ctx, "workouts", "u1")
	require.Error(t, err)

	_, err = g.FetchAll(ctx, "workouts", "u1")
	require.True(t, apperr.Is(err, apperr.CircuitOpen))
	require.Equal(t, resilience.BreakerOpen, g.Breaker().State())
	require.Equal(t, 2, m.Stats().Reads)
}
