package sync

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/config"
	"fitsync/internal/logger"
	"fitsync/internal/schema"
)

type syncTrigger func(ctx context.Context, userID string, opts Options) ([]Result, error)

// BinlogWatcher follows the remote MySQL binlog and turns row changes on
// syncable tables into pull passes for the users they belong to. Changes are
// debounced so a burst of writes costs one pass.
type BinlogWatcher struct {
	cfg      config.RemoteConfig
	canal    *canal.Canal
	trigger  syncTrigger
	users    []string
	tables   map[string]bool
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	pending map[string]map[string]struct{}
	timer   *time.Timer
	last    ChangeEvent
}

func NewBinlogWatcher(remoteCfg config.RemoteConfig, cfg config.WatcherConfig, users, tables []string, orch *Orchestrator) (*BinlogWatcher, error) {
	w := newWatcher(orch.TrySync, users, tables, cfg.GetDebounce())
	w.cfg = remoteCfg

	var tableRegex []string
	for name := range w.tables {
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(remoteCfg.Database), regexp.QuoteMeta(name)))
	}
	sort.Strings(tableRegex)

	user, password := remoteCfg.ReplicationUser, remoteCfg.ReplicationPassword
	if user == "" {
		user, password = remoteCfg.User, remoteCfg.Password
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", remoteCfg.Host, remoteCfg.Port),
		User:     user,
		Password: password,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // follow the binlog only, never dump
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}
	c.SetEventHandler(&eventHandler{watcher: w})
	w.canal = c
	return w, nil
}

func newWatcher(trigger syncTrigger, users, tables []string, debounce time.Duration) *BinlogWatcher {
	if len(tables) == 0 {
		tables = schema.Names()
	}
	tableMap := make(map[string]bool, len(tables))
	for _, t := range tables {
		if _, ok := schema.Lookup(t); ok {
			tableMap[t] = true
		}
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BinlogWatcher{
		trigger:  trigger,
		users:    users,
		tables:   tableMap,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[string]map[string]struct{}{},
	}
}

// Start follows the binlog from the current master position.
func (w *BinlogWatcher) Start() error {
	logger.Log.Info("Starting binlog watcher", zap.String("host", w.cfg.Host))

	pos, err := w.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}

	go func() {
		if err := w.canal.RunFrom(pos); err != nil && w.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

func (w *BinlogWatcher) Stop() {
	w.cancel()
	if w.canal != nil {
		w.canal.Close()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	logger.Log.Info("Stopped binlog watcher")
}

// Notify queues a pull of ev.Table for ev.UserID. An event without a user
// (a shared catalog row) is queued for every configured user. Rows of users
// this device does not sync are ignored.
func (w *BinlogWatcher) Notify(ev ChangeEvent) {
	if !w.tables[ev.Table] {
		return
	}
	users := []string{ev.UserID}
	if ev.UserID == "" {
		users = w.users
	} else if !slices.Contains(w.users, ev.UserID) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range users {
		if w.pending[u] == nil {
			w.pending[u] = map[string]struct{}{}
		}
		w.pending[u][ev.Table] = struct{}{}
	}
	w.last = ev
	w.arm()
}

// arm must be called with mu held.
func (w *BinlogWatcher) arm() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *BinlogWatcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = map[string]map[string]struct{}{}
	last := w.last
	w.mu.Unlock()

	users := make([]string, 0, len(batch))
	for u := range batch {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, user := range users {
		if w.ctx.Err() != nil {
			return
		}
		tables := make([]string, 0, len(batch[user]))
		for t := range batch[user] {
			tables = append(tables, t)
		}
		sort.Strings(tables)

		logger.Log.Debug("Remote change detected, pulling",
			zap.String("user", user),
			zap.Strings("tables", tables),
			zap.Stringer("last_event", last),
		)
		_, err := w.trigger(w.ctx, user, Options{Direction: Pull, Tables: tables})
		if apperr.Is(err, apperr.SyncInProgress) {
			w.requeue(user, tables)
			continue
		}
		if err != nil {
			logger.Log.Error("Change-triggered pull failed", zap.String("user", user), zap.Error(err))
		}
	}
}

func (w *BinlogWatcher) requeue(user string, tables []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if w.pending[user] == nil {
		w.pending[user] = map[string]struct{}{}
	}
	for _, t := range tables {
		w.pending[user][t] = struct{}{}
	}
	w.arm()
}

type eventHandler struct {
	canal.DummyEventHandler
	watcher *BinlogWatcher
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if !h.watcher.tables[e.Table.Name] {
		return nil
	}
	switch e.Action {
	case canal.InsertAction, canal.UpdateAction, canal.DeleteAction:
	default:
		return nil
	}

	base := ChangeEvent{Table: e.Table.Name, Action: e.Action}
	if e.Header != nil {
		base.Timestamp = e.Header.Timestamp
		base.BinlogPos = e.Header.LogPos
	}
	if h.watcher.canal != nil {
		base.BinlogFile = h.watcher.canal.SyncedPosition().Name
	}

	for _, user := range rowUsers(e.Table.FindColumn(schema.ColUserID), e.Rows) {
		ev := base
		ev.UserID = user
		h.watcher.Notify(ev)
	}
	return nil
}

func (h *eventHandler) String() string {
	return "BinlogWatcher"
}

// rowUsers returns the distinct owners of rows; "" stands for rows without one.
func rowUsers(col int, rows [][]interface{}) []string {
	seen := map[string]bool{}
	var out []string
	for _, row := range rows {
		user := ""
		if col >= 0 && col < len(row) {
			switch v := row[col].(type) {
			case string:
				user = v
			case []byte:
				user = string(v)
			case nil:
			default:
				user = fmt.Sprint(v)
			}
		}
		if !seen[user] {
			seen[user] = true
			out = append(out, user)
		}
	}
	return out
}
