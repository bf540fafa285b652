package store

import (
	"context"
	"time"
)

// Row is one record as the store sees it: column name to value.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Order sorts a read by one column
type Order struct {
	Column string
	Desc   bool
}

// Query describes a selection on a single table
type Query struct {
	Table   string
	Filters []Filter
	Columns []string // projection, empty means all columns
	Order   []Order
	Limit   int
}

// Action is the kind of write applied by a Mutation
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Mutation describes a write on a single table.
//
// Insert and upsert take their rows from Values. Update applies Set to every
// row matching Filters. Delete removes every row matching Filters.
type Mutation struct {
	Table   string
	Action  Action
	Values  []Row
	Set     Row
	Filters []Filter
}

// EventType is the kind of a change event
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"

	// EventHeartbeat proves the stream is alive; it carries no row.
	EventHeartbeat EventType = "HEARTBEAT"
	// EventResync tells the consumer that events may have been lost and
	// state must be refetched.
	EventResync EventType = "RESYNC"
)

// ChangeEvent is one entry of a table's change feed
type ChangeEvent struct {
	Table      string    `json:"table"`
	Type       EventType `json:"type"`
	New        Row       `json:"new,omitempty"`
	Old        Row       `json:"old,omitempty"`
	CommitTime time.Time `json:"commit_time"`
}

// IsControl reports whether the event is a liveness or resync signal
func (e ChangeEvent) IsControl() bool {
	return e.Type == EventHeartbeat || e.Type == EventResync
}

// Record returns the row the event is about: New for inserts and updates,
// Old for deletes.
func (e ChangeEvent) Record() Row {
	if e.Type == EventDelete {
		return e.Old
	}
	return e.New
}

// Subscription delivers change events in publish order until closed
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Store is the narrow capability every repository depends on
type Store interface {
	Read(ctx context.Context, q Query) ([]Row, error)
	Write(ctx context.Context, m Mutation) ([]Row, error)
	Subscribe(ctx context.Context, table string, filters ...Filter) (Subscription, error)
}

// Feed carries change events between the writer and subscribers. A feed
// subscription receives every event of its table plus control events.
type Feed interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Subscribe(ctx context.Context, table string) (Subscription, error)
	Close() error
}
