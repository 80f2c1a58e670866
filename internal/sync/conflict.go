package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fitsync/internal/schema"
	"fitsync/internal/store"
)

const (
	ReasonConcurrentEdit = "concurrent_modification"
	ReasonDivergent      = "divergent_history"
	ReasonBothModified   = "both_modified_since_sync"

	StrategyLastWriteWins = "last_write_wins"
)

type Conflict struct {
	Table       string
	RecordID    string
	HasConflict bool
	Reason      string
	Local       schema.Record
	Remote      schema.Record
}

// Decision is the state both copies of a record should converge to.
type Decision struct {
	Result   schema.Record
	Winner   Side
	Conflict Conflict
	// WriteLocal and WriteRemote are set when that copy differs from Result.
	WriteLocal  bool
	WriteRemote bool
}

// Resolver compares record versions and settles conflicts. Versions are
// ordered by version number first and updated_at second; a conflict is
// settled by last write wins on updated_at.
type Resolver struct {
	store store.Store
	now   func() time.Time
}

// NewResolver returns a Resolver that logs conflicts to st. st may be nil.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st, now: time.Now}
}

// InitializeVersion stamps a record that has never been versioned.
func (r *Resolver) InitializeVersion(rec schema.Record) schema.Record {
	if rec.Version <= 0 {
		rec.Version = 1
	}
	now := schema.Stamp(r.now())
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec
}

// CompareVersions returns 1 if a is newer than b, -1 if older and 0 if both
// carry the same version and timestamp.
func (r *Resolver) CompareVersions(a, b schema.Record) int {
	switch {
	case a.Version > b.Version:
		return 1
	case a.Version < b.Version:
		return -1
	}
	return compareInstants(a.UpdatedAt, b.UpdatedAt)
}

// compareInstants orders timestamps at the precision the remote keeps, so a
// round trip through the remote never reads as a newer edit.
func compareInstants(a, b time.Time) int {
	return schema.Stamp(a).Compare(schema.Stamp(b))
}

// DetectConflict reports whether local and remote were changed independently.
// lastSyncedAt may be nil when the table has never synced.
func (r *Resolver) DetectConflict(table, id string, local, remote schema.Record, lastSyncedAt *time.Time) Conflict {
	c := Conflict{Table: table, RecordID: id, Local: local, Remote: remote}

	byTime := compareInstants(local.UpdatedAt, remote.UpdatedAt)
	switch {
	case local.Version == remote.Version && byTime == 0:
		return c
	case local.Version == remote.Version:
		c.HasConflict, c.Reason = true, ReasonConcurrentEdit
	case byTime != 0 && (local.Version > remote.Version) != (byTime > 0):
		c.HasConflict, c.Reason = true, ReasonDivergent
	case lastSyncedAt != nil && local.UpdatedAt.After(*lastSyncedAt) && remote.UpdatedAt.After(*lastSyncedAt):
		c.HasConflict, c.Reason = true, ReasonBothModified
	}
	return c
}

// ResolveLastWriteWins picks the copy with the later updated_at, then the
// higher version. A full tie keeps the local copy.
func (r *Resolver) ResolveLastWriteWins(local, remote schema.Record) (schema.Record, Side) {
	switch c := compareInstants(local.UpdatedAt, remote.UpdatedAt); {
	case c > 0:
		return local, LocalSide
	case c < 0:
		return remote, RemoteSide
	}
	if remote.Version > local.Version {
		return remote, RemoteSide
	}
	return local, LocalSide
}

// Reconcile decides the converged state of a record present on both sides.
// When the winner of a conflict does not already carry the highest version,
// or when it has to inherit a tombstone from the losing copy, the result gets
// a version above both so it propagates to each side.
func (r *Resolver) Reconcile(table string, local, remote schema.Record, lastSyncedAt *time.Time) Decision {
	d := Decision{Conflict: r.DetectConflict(table, local.ID, local, remote, lastSyncedAt)}

	if d.Conflict.HasConflict {
		_, d.Winner = r.ResolveLastWriteWins(local, remote)
	} else if r.CompareVersions(local, remote) < 0 {
		d.Winner = RemoteSide
	} else {
		d.Winner = LocalSide
	}

	win, lose := local, remote
	if d.Winner == RemoteSide {
		win, lose = remote, local
	}
	d.Result = win.Clone()

	inherited := false
	if lose.DeletedAt != nil && d.Result.DeletedAt == nil {
		t := *lose.DeletedAt
		d.Result.DeletedAt = &t
		inherited = true
	}
	if inherited || (d.Conflict.HasConflict && d.Result.Version <= lose.Version) {
		d.Result.Version = max(local.Version, remote.Version) + 1
	}

	d.WriteLocal = !sameState(d.Result, local)
	d.WriteRemote = !sameState(d.Result, remote)
	return d
}

func sameState(a, b schema.Record) bool {
	return a.Version == b.Version && schema.SameInstant(a.UpdatedAt, b.UpdatedAt) && a.Deleted() == b.Deleted()
}

// RecordConflict writes a resolved conflict to the conflict log.
func (r *Resolver) RecordConflict(ctx context.Context, userID string, c Conflict, winner Side) error {
	if r.store == nil || !c.HasConflict {
		return nil
	}
	localData, err := json.Marshal(snapshot(c.Local))
	if err != nil {
		return err
	}
	remoteData, err := json.Marshal(snapshot(c.Remote))
	if err != nil {
		return err
	}
	now := r.now().UTC()
	return r.store.CreateConflict(ctx, &store.Conflict{
		ID:                 uuid.New().String(),
		TableName:          c.Table,
		RecordID:           c.RecordID,
		UserID:             userID,
		LocalData:          localData,
		RemoteData:         remoteData,
		ConflictType:       c.Reason,
		DetectedAt:         now,
		Resolved:           true,
		ResolutionStrategy: StrategyLastWriteWins,
		Winner:             string(winner),
		ResolvedAt:         &now,
	})
}

func snapshot(rec schema.Record) map[string]any {
	out := map[string]any{
		"id":         rec.ID,
		"user_id":    rec.UserID,
		"version":    rec.Version,
		"created_at": schema.FormatTime(rec.CreatedAt),
		"updated_at": schema.FormatTime(rec.UpdatedAt),
		"fields":     rec.Fields,
	}
	if rec.DeletedAt != nil {
		out["deleted_at"] = schema.FormatTime(*rec.DeletedAt)
	}
	return out
}
