package store

import (
	"encoding/json"
	"time"
)

type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusSyncing  SyncStatus = "syncing"
	StatusSuccess  SyncStatus = "success"
	StatusError    SyncStatus = "error"
	StatusConflict SyncStatus = "conflict"
)

// SyncKind selects which watermark UpdateLastSyncTime advances.
type SyncKind string

const (
	KindPull SyncKind = "pull"
	KindPush SyncKind = "push"
)

type SyncMetadata struct {
	TableName     string     `db:"table_name" json:"table_name"`
	UserID        string     `db:"user_id" json:"user_id"`
	LastSyncAt    *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastPullAt    *time.Time `db:"last_pull_at" json:"last_pull_at,omitempty"`
	LastPushAt    *time.Time `db:"last_push_at" json:"last_push_at,omitempty"`
	SyncStatus    SyncStatus `db:"sync_status" json:"sync_status"`
	ConflictCount int        `db:"conflict_count" json:"conflict_count"`
	ErrorMessage  string     `db:"error_message" json:"error_message,omitempty"`
	LastErrorAt   *time.Time `db:"last_error_at" json:"last_error_at,omitempty"`
	RecordCount   int        `db:"record_count" json:"record_count"`
	Version       int64      `db:"version" json:"version"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

type Conflict struct {
	ID                 string          `db:"id" json:"id"`
	TableName          string          `db:"table_name" json:"table_name"`
	RecordID           string          `db:"record_id" json:"record_id"`
	UserID             string          `db:"user_id" json:"user_id"`
	LocalData          json.RawMessage `db:"local_data" json:"local_data"`
	RemoteData         json.RawMessage `db:"remote_data" json:"remote_data"`
	ConflictType       string          `db:"conflict_type" json:"conflict_type"`
	DetectedAt         time.Time       `db:"detected_at" json:"detected_at"`
	Resolved           bool            `db:"resolved" json:"resolved"`
	ResolutionStrategy string          `db:"resolution_strategy" json:"resolution_strategy,omitempty"`
	Winner             string          `db:"winner" json:"winner,omitempty"`
	ResolvedAt         *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
}

type SyncHistory struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	StartedAt         time.Time  `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Direction         string     `db:"direction" json:"direction"`
	TablesSynced      string     `db:"tables_synced" json:"tables_synced"`
	TotalRows         int64      `db:"total_rows" json:"total_rows"`
	ConflictsDetected int        `db:"conflicts_detected" json:"conflicts_detected"`
	Status            string     `db:"status" json:"status"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
}
