package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/config"
	"fitsync/internal/logger"
)

// Scheduler runs a pass for every configured user on a cron schedule. A tick
// that finds a pass already running is skipped for that user.
type Scheduler struct {
	cfg     config.SchedulerConfig
	users   []string
	opts    Options
	orch    *Orchestrator
	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(cfg config.SchedulerConfig, users []string, opts Options, orch *Orchestrator) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		users:  users,
		opts:   opts,
		orch:   orch,
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}
	if len(s.users) == 0 {
		logger.Log.Warn("Scheduler enabled without users, nothing to sync")
		return nil
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval), zap.Strings("users", s.users))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.RunOnce(s.ctx)
	})
	if err != nil {
		return err
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

// RunOnce triggers a pass for each user in turn.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, user := range s.users {
		if ctx.Err() != nil {
			return
		}
		logger.Log.Info("Triggering scheduled sync", zap.String("user", user))

		results, err := s.orch.TrySync(ctx, user, s.opts)
		if apperr.Is(err, apperr.SyncInProgress) {
			logger.Log.Info("Sync already running, skipping scheduled run", zap.String("user", user))
			continue
		}
		if err != nil {
			logger.Log.Error("Scheduled sync failed", zap.String("user", user), zap.Error(err))
			continue
		}
		if terr := Errors(results); terr != nil {
			logger.Log.Warn("Scheduled sync finished with table errors", zap.String("user", user), zap.Error(terr))
		}
	}
}
