package store

import (
	"context"
	"time"
)

type Store interface {
	// Sync metadata
	GetSyncMetadata(ctx context.Context, tableName, userID string) (*SyncMetadata, error)
	ListSyncMetadata(ctx context.Context, userID string) ([]*SyncMetadata, error)
	UpdateSyncStatus(ctx context.Context, tableName, userID string, status SyncStatus, message string) error
	UpdateLastSyncTime(ctx context.Context, tableName, userID string, kind SyncKind, at time.Time) error
	ClearLastSyncTime(ctx context.Context, tableName, userID string, kind SyncKind) error
	IncrementConflictCount(ctx context.Context, tableName, userID string, n int) error
	SetRecordCount(ctx context.Context, tableName, userID string, n int) error
	ResetSyncMetadata(ctx context.Context, userID string, tables ...string) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, userID string, limit, offset int) ([]*Conflict, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, userID string, limit, offset int) ([]*SyncHistory, error)

	// Migrations
	MigrationApplied(ctx context.Context, name, userID string) (bool, error)
	MarkMigrationApplied(ctx context.Context, name, userID string, at time.Time) error
	LegacyKeys(ctx context.Context, prefix string) (map[string]string, error)
	DeleteLegacyKeys(ctx context.Context, keys []string) error
	RestoreLegacyKeys(ctx context.Context, values map[string]string) error
}
