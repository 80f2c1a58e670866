package sync

import (
	"fmt"
	"time"
)

type Direction string

const (
	Pull          Direction = "pull"
	Push          Direction = "push"
	Bidirectional Direction = "bidirectional"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case "":
		return Bidirectional, nil
	case Pull, Push, Bidirectional:
		return d, nil
	}
	return "", fmt.Errorf("unknown sync direction %q", s)
}

func (d Direction) pulls() bool  { return d == Pull || d == Bidirectional }
func (d Direction) pushes() bool { return d == Push || d == Bidirectional }

type Options struct {
	Direction Direction
	// Tables limits the pass; empty means every registered table.
	Tables []string
	// ForceFullSync ignores watermarks and compares every record.
	ForceFullSync bool
	BatchSize     int
	MaxRetries    int
	// Progress is called synchronously; it must not block.
	Progress func(Progress)
}

type Progress struct {
	Percentage       int    `json:"percentage"`
	CurrentOperation string `json:"current_operation"`
	CompletedItems   int    `json:"completed_items"`
	TotalItems       int    `json:"total_items"`
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// RecordError is a single record that could not be synced. It does not stop
// the rest of the table.
type RecordError struct {
	Table     string    `json:"table"`
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Err       error     `json:"-"`
	Message   string    `json:"message"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Direction, e.Table, e.ID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// Result summarises one table of a pass.
type Result struct {
	Table     string        `json:"table"`
	Direction Direction     `json:"direction"`
	Status    Status        `json:"status"`
	Pulled    int           `json:"pulled"`
	Pushed    int           `json:"pushed"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Skipped   int           `json:"skipped"`
	Conflicts int           `json:"conflicts"`
	Errors    []RecordError `json:"errors,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
	Message   string        `json:"message,omitempty"`
}

func (r *Result) addError(table, id string, dir Direction, err error) {
	r.Errors = append(r.Errors, recordError(table, id, dir, err))
}

// Side names the copy of a record that won a resolution.
type Side string

const (
	LocalSide  Side = "local"
	RemoteSide Side = "remote"
)

// ChangeEvent is a remote row change seen on the replication stream.
type ChangeEvent struct {
	Table      string
	UserID     string
	Action     string
	Timestamp  uint32
	BinlogFile string
	BinlogPos  uint32
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s user=%s @ %s:%d", e.Action, e.Table, e.UserID, e.BinlogFile, e.BinlogPos)
}
