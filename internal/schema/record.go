package schema

import (
	"time"

	"github.com/google/uuid"
)

// Record is one row of a syncable table in its local shape. Fields holds the
// entity payload keyed by local field name; nested values stay native.
type Record struct {
	ID        string
	UserID    *string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
	Fields    map[string]any
}

// Row is a record in its remote, column-keyed shape.
type Row map[string]any

func NewID() string {
	return uuid.NewString()
}

func (r Record) Owner() string {
	if r.UserID == nil {
		return ""
	}
	return *r.UserID
}

func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

func (r Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// Clone copies the record deeply enough that mutating the copy's top-level
// fields or pointers never affects r.
func (r Record) Clone() Record {
	out := r
	if r.UserID != nil {
		u := *r.UserID
		out.UserID = &u
	}
	if r.DeletedAt != nil {
		d := *r.DeletedAt
		out.DeletedAt = &d
	}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }
