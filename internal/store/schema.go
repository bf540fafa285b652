package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Table names
const (
	TableUsers         = "users"
	TableProfiles      = "profiles"
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableVisibility    = "conversation_visibility"
	TableReads         = "conversation_reads"
	TableMessages      = "messages"
)

// Table describes one store table: which columns exist, how rows are
// identified, and what the store fills in on insert.
type Table struct {
	Name    string
	Columns []string
	Key     []string   // natural key, used by upsert
	Unique  [][]string // additional unique constraints; null values never collide
	// Defaults are generated for columns absent from an inserted row.
	Defaults map[string]func() any
	// Parent names the conversations column rows hang off; deleting the
	// parent conversation deletes them too.
	Parent string
}

var newID = func() any { return uuid.NewString() }
var now = func() any { return time.Now().UTC() }

// Schema lists every table the core reads or writes
var Schema = map[string]Table{
	TableUsers: {
		Name:     TableUsers,
		Columns:  []string{"id", "username", "password_hash", "created_at"},
		Key:      []string{"id"},
		Unique:   [][]string{{"username"}},
		Defaults: map[string]func() any{"id": newID, "created_at": now},
	},
	TableProfiles: {
		Name:    TableProfiles,
		Columns: []string{"user_id", "username", "name", "avatar_url"},
		Key:     []string{"user_id"},
		Unique:  [][]string{{"username"}},
	},
	TableConversations: {
		Name:     TableConversations,
		Columns:  []string{"id", "name", "creator_id", "roster_key", "created_at"},
		Key:      []string{"id"},
		Unique:   [][]string{{"roster_key"}},
		Defaults: map[string]func() any{"id": newID, "created_at": now},
	},
	TableParticipants: {
		Name:    TableParticipants,
		Columns: []string{"conversation_id", "user_id", "role"},
		Key:     []string{"conversation_id", "user_id"},
		Parent:  "conversation_id",
	},
	TableVisibility: {
		Name:    TableVisibility,
		Columns: []string{"user_id", "conversation_id", "is_visible"},
		Key:     []string{"user_id", "conversation_id"},
		Parent:  "conversation_id",
	},
	TableReads: {
		Name:    TableReads,
		Columns: []string{"user_id", "conversation_id", "last_read_at"},
		Key:     []string{"user_id", "conversation_id"},
		Parent:  "conversation_id",
	},
	TableMessages: {
		Name:     TableMessages,
		Columns:  []string{"id", "conversation_id", "sender_id", "sender_username", "content", "created_at"},
		Key:      []string{"id"},
		Defaults: map[string]func() any{"id": newID, "created_at": now},
		Parent:   "conversation_id",
	},
}

// Lookup returns the table definition, or a denied error for unknown tables
func Lookup(op, name string) (Table, error) {
	t, ok := Schema[name]
	if !ok {
		return Table{}, deniedf(op, name, "unknown table")
	}
	return t, nil
}

// HasColumn reports whether the column exists on the table
func (t Table) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// checkColumns rejects any column the table does not declare. It guards the
// SQL builder, which interpolates column names.
func (t Table) checkColumns(op string, cols ...string) error {
	for _, c := range cols {
		if !t.HasColumn(c) {
			return deniedf(op, t.Name, "unknown column %q", c)
		}
	}
	return nil
}

func (t Table) checkQuery(q Query) error {
	if err := t.checkColumns("read", q.Columns...); err != nil {
		return err
	}
	for _, f := range q.Filters {
		if err := t.checkColumns("read", f.Column); err != nil {
			return err
		}
	}
	for _, o := range q.Order {
		if err := t.checkColumns("read", o.Column); err != nil {
			return err
		}
	}
	return nil
}

func (t Table) checkMutation(m Mutation) error {
	op := string(m.Action)
	for _, r := range m.Values {
		for c := range r {
			if err := t.checkColumns(op, c); err != nil {
				return err
			}
		}
	}
	for c := range m.Set {
		if err := t.checkColumns(op, c); err != nil {
			return err
		}
	}
	for _, f := range m.Filters {
		if err := t.checkColumns(op, f.Column); err != nil {
			return err
		}
	}
	return nil
}

// keyOf renders the values of cols as a comparable string. ok is false when
// any of them is null.
func keyOf(row Row, cols []string) (string, bool) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v := normalize(row[c])
		if v == nil {
			return "", false
		}
		if t, isTime := v.(time.Time); isTime {
			parts[i] = t.Format(time.RFC3339Nano)
			continue
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x00"), true
}
