package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	mysqlschema "github.com/go-mysql-org/go-mysql/schema"
	"github.com/stretchr/testify/require"

	"fitsync/internal/apperr"
)

type triggerCall struct {
	user   string
	tables []string
	dir    Direction
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
	busy  int
}

func (f *fakeTrigger) trigger(_ context.Context, user string, opts Options) ([]Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, triggerCall{user: user, tables: opts.Tables, dir: opts.Direction})
	if f.busy > 0 {
		f.busy--
		return nil, apperr.New(apperr.SyncInProgress, "busy")
	}
	return nil, nil
}

func (f *fakeTrigger) snapshot() []triggerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggerCall(nil), f.calls...)
}

func TestWatcherDebouncesChanges(t *testing.T) {
	f := &fakeTrigger{}
	w := newWatcher(f.trigger, []string{"u1", "u2"}, nil, 20*time.Millisecond)
	defer w.Stop()

	w.Notify(ChangeEvent{Table: "workouts", UserID: "u1", Action: canal.InsertAction})
	w.Notify(ChangeEvent{Table: "settings", UserID: "u1", Action: canal.UpdateAction})
	w.Notify(ChangeEvent{Table: "workouts", UserID: "u1", Action: canal.UpdateAction})
	w.Notify(ChangeEvent{Table: "exercises", Action: canal.InsertAction})
	w.Notify(ChangeEvent{Table: "not_synced", UserID: "u1", Action: canal.InsertAction})

	require.Eventually(t, func() bool { return len(f.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	calls := f.snapshot()
	require.Equal(t, triggerCall{user: "u1", tables: []string{"exercises", "settings", "workouts"}, dir: Pull}, calls[0])
	require.Equal(t, triggerCall{user: "u2", tables: []string{"exercises"}, dir: Pull}, calls[1])

	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.snapshot(), 2)
}

func TestWatcherIgnoresOtherUsers(t *testing.T) {
	f := &fakeTrigger{}
	w := newWatcher(f.trigger, []string{"u1"}, nil, 10*time.Millisecond)
	defer w.Stop()

	w.Notify(ChangeEvent{Table: "workouts", UserID: "stranger", Action: canal.InsertAction})
	w.Notify(ChangeEvent{Table: "exercises", Action: canal.InsertAction})

	require.Eventually(t, func() bool { return len(f.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, triggerCall{user: "u1", tables: []string{"exercises"}, dir: Pull}, f.snapshot()[0])

	w.Notify(ChangeEvent{Table: "workouts", UserID: "stranger", Action: canal.UpdateAction})
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.snapshot(), 1)
}

func TestWatcherRequeuesWhenBusy(t *testing.T) {
	f := &fakeTrigger{busy: 1}
	w := newWatcher(f.trigger, []string{"u1"}, []string{"workouts"}, 10*time.Millisecond)
	defer w.Stop()

	w.Notify(ChangeEvent{Table: "workouts", UserID: "u1"})
	w.Notify(ChangeEvent{Table: "templates", UserID: "u1"})

	require.Eventually(t, func() bool { return len(f.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	calls := f.snapshot()
	require.Equal(t, calls[0], calls[1])
	require.Equal(t, []string{"workouts"}, calls[1].tables)
}

func TestWatcherStopDropsPending(t *testing.T) {
	f := &fakeTrigger{}
	w := newWatcher(f.trigger, []string{"u1"}, nil, 20*time.Millisecond)
	w.Notify(ChangeEvent{Table: "workouts", UserID: "u1"})
	w.Stop()

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, f.snapshot())
}

func TestEventHandlerRoutesRowsByOwner(t *testing.T) {
	f := &fakeTrigger{}
	w := newWatcher(f.trigger, []string{"u1", "u2"}, nil, 10*time.Millisecond)
	defer w.Stop()
	h := &eventHandler{watcher: w}

	table := &mysqlschema.Table{
		Schema:  "fitness",
		Name:    "sleep_logs",
		Columns: []mysqlschema.TableColumn{{Name: "log_date"}, {Name: "user_id"}, {Name: "hours"}},
	}
	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  table,
		Action: canal.UpdateAction,
		Rows:   [][]interface{}{{"2024-05-01", []byte("u2"), 7.5}, {"2024-05-01", []byte("u2"), 8.0}},
	}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  &mysqlschema.Table{Schema: "fitness", Name: "migrations"},
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{"x"}},
	}))

	require.Eventually(t, func() bool { return len(f.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, triggerCall{user: "u2", tables: []string{"sleep_logs"}, dir: Pull}, f.snapshot()[0])
}

func TestRowUsers(t *testing.T) {
	rows := [][]interface{}{
		{"w1", "u1"},
		{"w2", []byte("u2")},
		{"w3", nil},
		{"w4", "u1"},
	}
	require.Equal(t, []string{"u1", "u2", ""}, rowUsers(1, rows))
	require.Equal(t, []string{""}, rowUsers(-1, rows))
}
