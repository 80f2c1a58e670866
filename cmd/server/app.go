package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fitsync/internal/config"
	"fitsync/internal/database"
	"fitsync/internal/localdb"
	"fitsync/internal/logger"
	"fitsync/internal/migrate"
	"fitsync/internal/remote"
	"fitsync/internal/resilience"
	"fitsync/internal/store"
	"fitsync/internal/sync"
	"fitsync/internal/txn"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	localDB  *database.Database
	remoteDB *database.Database
	local    *localdb.Store
	meta     *store.SQLiteStore
	tx       *txn.Manager
	migrator *migrate.Runner
	backend  *remote.Guarded
	orch     *sync.Orchestrator
}

// newApp opens the local store. withRemote also connects the remote backend
// and builds the orchestrator.
func newApp(ctx context.Context, cfg *config.Config, withRemote bool) (*app, error) {
	a := &app{cfg: cfg}

	var err error
	if a.localDB, err = database.OpenSQLite(cfg.Local.FilePath); err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a.local = localdb.New(a.localDB)
	if a.meta, err = store.NewSQLiteStore(ctx, a.localDB); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init metadata store: %w", err)
	}
	a.tx = txn.NewManager(a.local)
	a.migrator = migrate.NewRunner(a.tx, a.meta, migrate.WithBatchSize(cfg.Sync.BatchSize))
	if _, err := a.migrator.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to prepare local schema: %w", err)
	}

	if !withRemote {
		return a, nil
	}

	if a.remoteDB, err = database.OpenRemote(cfg.Remote); err != nil {
		a.Close()
		return nil, err
	}
	sqlBackend, err := remote.NewSQLBackend(a.remoteDB)
	if err != nil {
		a.Close()
		return nil, err
	}
	sqlBackend.SetUpsertConcurrency(cfg.Sync.UpsertWorkers)
	a.backend = remote.WithBreaker(sqlBackend, resilience.NewCircuitBreaker(resilience.BreakerOptions{
		Name:             "remote",
		FailureThreshold: cfg.Sync.BreakerThreshold,
		ResetTimeout:     cfg.Sync.GetBreakerReset(),
	}))

	a.orch = sync.NewOrchestrator(a.local, a.backend, a.meta, a.tx,
		sync.WithDefaults(cfg.Sync.BatchSize, cfg.Sync.MaxRetries),
		sync.WithPageSize(cfg.Sync.PullPageSize),
		sync.WithConcurrency(cfg.Sync.TableWorkers),
		sync.WithTableTimeout(cfg.Sync.GetTableTimeout()),
		sync.WithRetryDelays(cfg.Sync.GetRetryBaseDelay(), cfg.Sync.GetRetryMaxDelay()),
	)
	return a, nil
}

// migrateUsers brings local data of every user up to date before syncing.
func (a *app) migrateUsers(ctx context.Context, users []string) error {
	for _, user := range users {
		needs, err := a.migrator.NeedsMigration(ctx, user)
		if err != nil {
			return err
		}
		if !needs {
			continue
		}
		if _, err := a.migrator.Run(ctx, user); err != nil {
			return fmt.Errorf("migrate %s: %w", user, err)
		}
	}
	return nil
}

func (a *app) Close() {
	var errs []error
	if a.remoteDB != nil {
		errs = append(errs, a.remoteDB.Close())
	}
	if a.localDB != nil {
		errs = append(errs, a.localDB.Close())
	}
	if err := errors.Join(errs...); err != nil {
		logger.Log.Warn("Failed to close databases", zap.Error(err))
	}
}

// usersFrom returns the users named on the command line, or the configured
// ones when none were given.
func usersFrom(flagUsers []string) ([]string, error) {
	if len(flagUsers) > 0 {
		return flagUsers, nil
	}
	if len(cfg.Sync.Users) > 0 {
		return cfg.Sync.Users, nil
	}
	return nil, errors.New("no user given: pass --user or set sync.users")
}
