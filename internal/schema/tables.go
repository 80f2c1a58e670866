package schema

import (
	"fmt"
	"strings"
)

type IdentityKind int

const (
	// SurrogateKey tables are identified by their generated id.
	SurrogateKey IdentityKind = iota
	// CompositeKey tables are unique on (user, natural key); their identity is
	// "{user}:{naturalKey}".
	CompositeKey
)

type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindJSON
)

type Column struct {
	Field string // local payload key
	Name  string // remote column
	Kind  ColumnKind
}

type TableSpec struct {
	Name       string
	Identity   IdentityKind
	NaturalKey string // payload field of the natural key, CompositeKey only
	// SharedCatalog tables also hold library rows with no owner, visible to
	// every user and never pushed.
	SharedCatalog bool
	// Dependent tables hold user context other tables read from; they sync
	// after the independent set, one at a time.
	Dependent bool
	Columns   []Column
}

const (
	ColID        = "id"
	ColUserID    = "user_id"
	ColVersion   = "version"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColDeletedAt = "deleted_at"
)

var Tables = []TableSpec{
	{
		Name:     "workouts",
		Identity: SurrogateKey,
		Columns: []Column{
			{"name", "name", KindText},
			{"startedAt", "started_at", KindTime},
			{"endedAt", "ended_at", KindTime},
			{"durationSec", "duration_seconds", KindInt},
			{"notes", "notes", KindText},
			{"exercises", "exercises", KindJSON},
		},
	},
	{
		Name:          "exercises",
		Identity:      SurrogateKey,
		SharedCatalog: true,
		Columns: []Column{
			{"name", "name", KindText},
			{"category", "category", KindText},
			{"equipment", "equipment", KindText},
			{"muscleGroups", "muscle_groups", KindJSON},
			{"instructions", "instructions", KindText},
			{"isCustom", "is_custom", KindBool},
		},
	},
	{
		Name:     "templates",
		Identity: SurrogateKey,
		Columns: []Column{
			{"name", "name", KindText},
			{"description", "description", KindText},
			{"exercises", "exercises", KindJSON},
		},
	},
	{
		Name:     "planned_workouts",
		Identity: SurrogateKey,
		Columns: []Column{
			{"templateId", "template_id", KindText},
			{"scheduledFor", "scheduled_for", KindTime},
			{"completed", "completed", KindBool},
			{"exercises", "exercises", KindJSON},
		},
	},
	{
		Name:       "muscle_status",
		Identity:   CompositeKey,
		NaturalKey: "muscle",
		Columns: []Column{
			{"muscle", "muscle", KindText},
			{"recoveryScore", "recovery_score", KindFloat},
			{"fatigue", "fatigue", KindFloat},
			{"lastTrainedAt", "last_trained_at", KindTime},
		},
	},
	{
		Name:     "notifications",
		Identity: SurrogateKey,
		Columns: []Column{
			{"kind", "kind", KindText},
			{"title", "title", KindText},
			{"body", "body", KindText},
			{"read", "is_read", KindBool},
			{"scheduledAt", "scheduled_at", KindTime},
			{"data", "data", KindJSON},
		},
	},
	{
		Name:       "sleep_logs",
		Identity:   CompositeKey,
		NaturalKey: "date",
		Columns: []Column{
			{"date", "log_date", KindText},
			{"hours", "hours", KindFloat},
			{"quality", "quality", KindInt},
			{"notes", "notes", KindText},
		},
	},
	{
		Name:       "recovery_logs",
		Identity:   CompositeKey,
		NaturalKey: "date",
		Columns: []Column{
			{"date", "log_date", KindText},
			{"score", "score", KindInt},
			{"soreness", "soreness", KindJSON},
			{"notes", "notes", KindText},
		},
	},
	{
		Name:      "user_profiles",
		Identity:  SurrogateKey,
		Dependent: true,
		Columns: []Column{
			{"displayName", "display_name", KindText},
			{"weightKg", "weight_kg", KindFloat},
			{"heightCm", "height_cm", KindFloat},
			{"birthDate", "birth_date", KindText},
			{"units", "units", KindText},
			{"goals", "goals", KindJSON},
		},
	},
	{
		Name:       "settings",
		Identity:   CompositeKey,
		NaturalKey: "key",
		Dependent:  true,
		Columns: []Column{
			{"key", "setting_key", KindText},
			{"value", "value", KindJSON},
		},
	},
}

var tablesByName = func() map[string]TableSpec {
	m := make(map[string]TableSpec, len(Tables))
	for _, t := range Tables {
		m[t.Name] = t
	}
	return m
}()

func Lookup(name string) (TableSpec, bool) {
	t, ok := tablesByName[name]
	return t, ok
}

func Names() []string {
	names := make([]string, len(Tables))
	for i, t := range Tables {
		names[i] = t.Name
	}
	return names
}

// RecordID returns the key that identifies rec on both sides of a sync.
func (t TableSpec) RecordID(rec Record) (string, error) {
	if t.Identity == SurrogateKey {
		if rec.ID == "" {
			return "", fmt.Errorf("%s: record has no id", t.Name)
		}
		return rec.ID, nil
	}
	if rec.UserID == nil || *rec.UserID == "" {
		return "", fmt.Errorf("%s: composite key needs a user", t.Name)
	}
	natural, ok := rec.Field(t.NaturalKey).(string)
	if !ok || natural == "" {
		return "", fmt.Errorf("%s: missing natural key %q", t.Name, t.NaturalKey)
	}
	return CompositeID(*rec.UserID, natural), nil
}

func CompositeID(userID, natural string) string {
	return userID + ":" + natural
}

// SplitCompositeID is the inverse of CompositeID. User ids never contain ':'.
func SplitCompositeID(id string) (userID, natural string, ok bool) {
	return strings.Cut(id, ":")
}

// Column returns the column definition for a local field name.
func (t TableSpec) Column(field string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Field == field {
			return c, true
		}
	}
	return Column{}, false
}

// NaturalColumn is the remote column holding the natural key.
func (t TableSpec) NaturalColumn() string {
	if c, ok := t.Column(t.NaturalKey); ok {
		return c.Name
	}
	return ""
}

// KeyColumns are the remote columns an upsert targets.
func (t TableSpec) KeyColumns() []string {
	if t.Identity == CompositeKey {
		return []string{ColUserID, t.NaturalColumn()}
	}
	return []string{ColID}
}

// RemoteColumns lists every remote column in a stable order.
func (t TableSpec) RemoteColumns() []string {
	cols := make([]string, 0, len(t.Columns)+6)
	if t.Identity == SurrogateKey {
		cols = append(cols, ColID)
	}
	cols = append(cols, ColUserID, ColVersion, ColCreatedAt, ColUpdatedAt, ColDeletedAt)
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}
