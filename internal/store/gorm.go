package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCallTimeout bounds every store call
const DefaultCallTimeout = 15 * time.Second

// GormStore implements Store on Postgres through gorm. Writes go through
// raw statements with RETURNING so the affected rows can be published on
// the feed.
type GormStore struct {
	db      *gorm.DB
	feed    Feed
	timeout time.Duration
	log     *zap.Logger
}

// NewGormStore creates a Postgres store. feed may be nil, in which case
// Subscribe fails with store.unavailable.
func NewGormStore(db *gorm.DB, feed Feed, timeout time.Duration, log *zap.Logger) *GormStore {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GormStore{db: db, feed: feed, timeout: timeout, log: log.Named("store")}
}

// Read implements Store
func (s *GormStore) Read(ctx context.Context, q Query) ([]Row, error) {
	t, err := Lookup("read", q.Table)
	if err != nil {
		return nil, err
	}
	if err := t.checkQuery(q); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx := s.db.WithContext(ctx).Table(q.Table)
	if len(q.Columns) > 0 {
		tx = tx.Select(q.Columns)
	}
	if exprs := whereClause(q.Filters); len(exprs) > 0 {
		tx = tx.Clauses(clause.Where{Exprs: exprs})
	}
	for _, o := range q.Order {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: o.Column}, Desc: o.Desc})
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		return nil, classify("read", q.Table, err)
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row(r)
	}
	return out, nil
}

func whereClause(filters []Filter) []clause.Expression {
	exprs := make([]clause.Expression, 0, len(filters))
	for _, f := range filters {
		col := clause.Column{Name: f.Column}
		v := normalize(f.Value)
		switch f.Op {
		case OpEq:
			exprs = append(exprs, clause.Eq{Column: col, Value: v})
		case OpNeq:
			exprs = append(exprs, clause.Neq{Column: col, Value: v})
		case OpIn:
			values := inValues(f.Value)
			for i := range values {
				values[i] = normalize(values[i])
			}
			if len(values) == 0 {
				exprs = append(exprs, clause.Expr{SQL: "1 = 0"})
				continue
			}
			exprs = append(exprs, clause.IN{Column: col, Values: values})
		case OpGt:
			exprs = append(exprs, clause.Gt{Column: col, Value: v})
		case OpGte:
			exprs = append(exprs, clause.Gte{Column: col, Value: v})
		case OpLt:
			exprs = append(exprs, clause.Lt{Column: col, Value: v})
		case OpLte:
			exprs = append(exprs, clause.Lte{Column: col, Value: v})
		case OpIsNull:
			exprs = append(exprs, clause.Expr{SQL: "? IS NULL", Vars: []any{col}})
		case OpContains:
			exprs = append(exprs, clause.Expr{SQL: "? ILIKE ?", Vars: []any{col, likePattern(v)}})
		}
	}
	return exprs
}

// Write implements Store
func (s *GormStore) Write(ctx context.Context, m Mutation) ([]Row, error) {
	op := string(m.Action)
	t, err := Lookup(op, m.Table)
	if err != nil {
		return nil, err
	}
	if err := t.checkMutation(m); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var events []ChangeEvent
	var out []Row
	switch m.Action {
	case ActionInsert:
		out, err = s.exec(ctx, t, insertSQL(t, m.Values, false))
		events = rowEvents(t.Name, EventInsert, out)
	case ActionUpsert:
		out, events, err = s.upsert(ctx, t, m.Values)
	case ActionUpdate:
		if len(m.Set) == 0 {
			return nil, nil
		}
		out, err = s.exec(ctx, t, updateSQL(t, m.Set, m.Filters))
		events = rowEvents(t.Name, EventUpdate, out)
	case ActionDelete:
		var children []ChangeEvent
		if t.Name == TableConversations {
			children, err = s.cascadeEvents(ctx, m.Filters)
			if err != nil {
				return nil, err
			}
		}
		out, err = s.exec(ctx, t, deleteSQL(t, m.Filters))
		events = append(children, rowEvents(t.Name, EventDelete, out)...)
	default:
		return nil, deniedf(op, m.Table, "unsupported action")
	}
	if err != nil {
		return nil, classify(op, m.Table, err)
	}

	s.publish(ctx, events)
	return out, nil
}

func (s *GormStore) upsert(ctx context.Context, t Table, values []Row) ([]Row, []ChangeEvent, error) {
	rows, err := s.exec(ctx, t, insertSQL(t, values, true))
	if err != nil {
		return nil, nil, err
	}
	events := make([]ChangeEvent, len(rows))
	commit := time.Now().UTC()
	for i, r := range rows {
		typ := EventUpdate
		if inserted, _ := r["_inserted"].(bool); inserted {
			typ = EventInsert
		}
		delete(r, "_inserted")
		events[i] = ChangeEvent{Table: t.Name, Type: typ, New: r.Clone(), CommitTime: commit}
	}
	return rows, events, nil
}

// cascadeEvents reads the child rows a conversation delete will remove so
// that subscribers see their DELETE events too. The schema cascades the
// delete itself.
func (s *GormStore) cascadeEvents(ctx context.Context, filters []Filter) ([]ChangeEvent, error) {
	convs, err := s.Read(ctx, Query{Table: TableConversations, Filters: filters, Columns: []string{"id"}})
	if err != nil || len(convs) == 0 {
		return nil, err
	}
	ids := make([]any, len(convs))
	for i, c := range convs {
		ids[i] = c["id"]
	}

	names := make([]string, 0, len(Schema))
	for name, child := range Schema {
		if child.Parent != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	commit := time.Now().UTC()
	var events []ChangeEvent
	for _, name := range names {
		rows, err := s.Read(ctx, Query{Table: name, Filters: []Filter{In(Schema[name].Parent, ids)}})
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			events = append(events, ChangeEvent{Table: name, Type: EventDelete, Old: r, CommitTime: commit})
		}
	}
	return events, nil
}

func (s *GormStore) exec(ctx context.Context, t Table, stmt statement) ([]Row, error) {
	var rows []map[string]any
	if err := s.db.WithContext(ctx).Raw(stmt.sql, stmt.args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row(r)
	}
	return out, nil
}

func (s *GormStore) publish(ctx context.Context, events []ChangeEvent) {
	if s.feed == nil {
		return
	}
	for _, ev := range events {
		if err := s.feed.Publish(ctx, ev); err != nil {
			s.log.Warn("publish change event failed",
				zap.String("table", ev.Table),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// Subscribe implements Store
func (s *GormStore) Subscribe(ctx context.Context, table string, filters ...Filter) (Subscription, error) {
	t, err := Lookup("subscribe", table)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		if err := t.checkColumns("subscribe", f.Column); err != nil {
			return nil, err
		}
	}
	if s.feed == nil {
		return nil, newError(CodeUnavailable, "subscribe", table, fmt.Errorf("no change feed configured"))
	}
	src, err := s.feed.Subscribe(ctx, table)
	if err != nil {
		return nil, classify("subscribe", table, err)
	}
	return Filtered(ctx, src, filters, nil), nil
}

func rowEvents(table string, typ EventType, rows []Row) []ChangeEvent {
	commit := time.Now().UTC()
	events := make([]ChangeEvent, len(rows))
	for i, r := range rows {
		ev := ChangeEvent{Table: table, Type: typ, CommitTime: commit}
		if typ == EventDelete {
			ev.Old = r.Clone()
		} else {
			ev.New = r.Clone()
		}
		events[i] = ev
	}
	return events
}

// ==================== SQL builders ====================

type statement struct {
	sql  string
	args []any
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// insertSQL builds a multi-row insert. Columns are the union of the rows'
// columns in table order; a row lacking one gets DEFAULT.
func insertSQL(t Table, values []Row, upsert bool) statement {
	var cols []string
	for _, c := range t.Columns {
		for _, r := range values {
			if _, ok := r[c]; ok {
				cols = append(cols, c)
				break
			}
		}
	}

	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("INSERT INTO " + quote(t.Name) + " (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(c))
	}
	b.WriteString(") VALUES ")
	for i, r := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			v, ok := r[c]
			if !ok {
				b.WriteString("DEFAULT")
				continue
			}
			b.WriteString("?")
			args = append(args, normalize(v))
		}
		b.WriteString(")")
	}

	if !upsert {
		b.WriteString(" RETURNING *")
		return statement{sql: b.String(), args: args}
	}

	keys := make([]string, len(t.Key))
	for i, k := range t.Key {
		keys[i] = quote(k)
	}
	b.WriteString(" ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET ")
	var sets []string
	for _, c := range cols {
		if containsString(t.Key, c) {
			continue
		}
		sets = append(sets, quote(c)+" = EXCLUDED."+quote(c))
	}
	if len(sets) == 0 {
		// key-only row: touch the first key column so RETURNING yields the row
		sets = append(sets, quote(t.Key[0])+" = EXCLUDED."+quote(t.Key[0]))
	}
	b.WriteString(strings.Join(sets, ", "))
	b.WriteString(" RETURNING *, (xmax = 0) AS _inserted")
	return statement{sql: b.String(), args: args}
}

func updateSQL(t Table, set Row, filters []Filter) statement {
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var args []any
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = quote(c) + " = ?"
		args = append(args, normalize(set[c]))
	}
	where, wargs := whereSQL(filters)
	return statement{
		sql:  "UPDATE " + quote(t.Name) + " SET " + strings.Join(parts, ", ") + where + " RETURNING *",
		args: append(args, wargs...),
	}
}

func deleteSQL(t Table, filters []Filter) statement {
	where, args := whereSQL(filters)
	return statement{sql: "DELETE FROM " + quote(t.Name) + where + " RETURNING *", args: args}
}

func whereSQL(filters []Filter) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	var (
		parts []string
		args  []any
	)
	for _, f := range filters {
		col := quote(f.Column)
		switch f.Op {
		case OpIsNull:
			parts = append(parts, col+" IS NULL")
		case OpContains:
			parts = append(parts, col+" ILIKE ?")
			args = append(args, likePattern(normalize(f.Value)))
		case OpIn:
			values := inValues(f.Value)
			if len(values) == 0 {
				parts = append(parts, "1 = 0")
				continue
			}
			for i := range values {
				values[i] = normalize(values[i])
			}
			parts = append(parts, col+" IN ?")
			args = append(args, values)
		default:
			parts = append(parts, col+" "+sqlOperator(f.Op)+" ?")
			args = append(args, normalize(f.Value))
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// likePattern matches v anywhere, with ILIKE's wildcards and its default
// escape character taken literally
func likePattern(v any) string {
	s, _ := v.(string)
	s = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
	return "%" + s + "%"
}

func sqlOperator(op FilterOp) string {
	switch op {
	case OpNeq:
		return "<>"
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	}
	return "="
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
