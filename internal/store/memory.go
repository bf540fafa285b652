package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every table in process memory. It enforces the same
// keys, unique constraints and cascades as the Postgres schema and publishes
// change events on its feed. Used by tests and the memory driver.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][]Row
	feed   Feed
	last   time.Time

	hookMu      sync.RWMutex
	writeHook   func(Mutation) error
	unavailable bool
}

// NewMemoryStore creates an empty store. A nil feed gets a LocalFeed
// without heartbeats.
func NewMemoryStore(feed Feed) *MemoryStore {
	if feed == nil {
		feed = NewLocalFeed(0)
	}
	return &MemoryStore{
		tables: make(map[string][]Row),
		feed:   feed,
	}
}

// Feed returns the feed events are published on
func (s *MemoryStore) Feed() Feed { return s.feed }

// FailWrites installs a hook consulted before every write; a non-nil
// result aborts the write with that error. Pass nil to remove it.
func (s *MemoryStore) FailWrites(hook func(Mutation) error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.writeHook = hook
}

// SetUnavailable makes every call fail with store.unavailable
func (s *MemoryStore) SetUnavailable(down bool) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.unavailable = down
}

func (s *MemoryStore) precheck(op, table string, m *Mutation) error {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	if s.unavailable {
		return newError(CodeUnavailable, op, table, errors.New("store offline"))
	}
	if m != nil && s.writeHook != nil {
		if err := s.writeHook(*m); err != nil {
			return classify(op, table, err)
		}
	}
	return nil
}

// timestamp returns a strictly increasing microsecond-precision time
func (s *MemoryStore) timestamp() time.Time {
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Read implements Store
func (s *MemoryStore) Read(ctx context.Context, q Query) ([]Row, error) {
	t, err := Lookup("read", q.Table)
	if err != nil {
		return nil, err
	}
	if err := t.checkQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classify("read", q.Table, err)
	}
	if err := s.precheck("read", q.Table, nil); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []Row
	for _, r := range s.tables[q.Table] {
		if MatchAll(r, q.Filters) {
			out = append(out, r.Clone())
		}
	}
	s.mu.Unlock()

	if len(q.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Order {
				c, ok := compare(normalize(out[i][o.Column]), normalize(out[j][o.Column]))
				if !ok || c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if len(q.Columns) > 0 {
		for i, r := range out {
			p := make(Row, len(q.Columns))
			for _, c := range q.Columns {
				p[c] = r[c]
			}
			out[i] = p
		}
	}
	return out, nil
}

// Write implements Store
func (s *MemoryStore) Write(ctx context.Context, m Mutation) ([]Row, error) {
	op := string(m.Action)
	t, err := Lookup(op, m.Table)
	if err != nil {
		return nil, err
	}
	if err := t.checkMutation(m); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(op, m.Table, err)
	}
	if err := s.precheck(op, m.Table, &m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		result []Row
		events []ChangeEvent
	)
	switch m.Action {
	case ActionInsert:
		result, events, err = s.insert(t, m.Values)
	case ActionUpsert:
		result, events, err = s.upsert(t, m.Values)
	case ActionUpdate:
		result, events, err = s.update(t, m.Set, m.Filters)
	case ActionDelete:
		result, events, err = s.delete(t, m.Filters)
	default:
		err = deniedf(op, m.Table, "unsupported action")
	}
	if err != nil {
		return nil, err
	}

	// Published under the lock so subscribers see commit order.
	for _, ev := range events {
		_ = s.feed.Publish(ctx, ev)
	}
	return result, nil
}

func (s *MemoryStore) prepare(t Table, values Row) Row {
	row := make(Row, len(t.Columns))
	for c, v := range values {
		row[c] = normalize(v)
	}
	for c, gen := range t.Defaults {
		if row[c] != nil {
			continue
		}
		if c == "created_at" {
			row[c] = s.timestamp()
			continue
		}
		row[c] = gen()
	}
	for _, c := range t.Columns {
		if _, ok := row[c]; !ok {
			row[c] = nil
		}
	}
	return row
}

// collides reports whether row violates a key or unique constraint against
// the table, ignoring the row at index skip.
func (s *MemoryStore) collides(t Table, rows []Row, row Row, skip int) bool {
	constraints := append([][]string{t.Key}, t.Unique...)
	for _, cols := range constraints {
		k, ok := keyOf(row, cols)
		if !ok {
			continue
		}
		for i, other := range rows {
			if i == skip {
				continue
			}
			if sameKey(other, cols, k) {
				return true
			}
		}
	}
	return false
}

func sameKey(row Row, cols []string, k string) bool {
	other, ok := keyOf(row, cols)
	return ok && other == k
}

func (s *MemoryStore) insert(t Table, values []Row) ([]Row, []ChangeEvent, error) {
	rows := s.tables[t.Name]
	staged := make([]Row, 0, len(values))
	for _, v := range values {
		row := s.prepare(t, v)
		if s.collides(t, append(rows[:len(rows):len(rows)], staged...), row, -1) {
			return nil, nil, newError(CodeConflict, "insert", t.Name, errors.New("duplicate key"))
		}
		staged = append(staged, row)
	}

	s.tables[t.Name] = append(rows, staged...)
	commit := s.timestamp()
	out := make([]Row, len(staged))
	events := make([]ChangeEvent, len(staged))
	for i, r := range staged {
		out[i] = r.Clone()
		events[i] = ChangeEvent{Table: t.Name, Type: EventInsert, New: r.Clone(), CommitTime: commit}
	}
	return out, events, nil
}

func (s *MemoryStore) upsert(t Table, values []Row) ([]Row, []ChangeEvent, error) {
	var (
		out    []Row
		events []ChangeEvent
	)
	for _, v := range values {
		candidate := make(Row, len(v))
		for c, val := range v {
			candidate[c] = normalize(val)
		}
		k, ok := keyOf(candidate, t.Key)
		idx := -1
		if ok {
			for i, r := range s.tables[t.Name] {
				if sameKey(r, t.Key, k) {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			rows, evs, err := s.insert(t, []Row{v})
			if err != nil {
				return nil, nil, err
			}
			out = append(out, rows...)
			events = append(events, evs...)
			continue
		}

		old := s.tables[t.Name][idx]
		updated := old.Clone()
		for c, val := range candidate {
			updated[c] = val
		}
		if s.collides(t, s.tables[t.Name], updated, idx) {
			return nil, nil, newError(CodeConflict, "upsert", t.Name, errors.New("duplicate key"))
		}
		s.tables[t.Name][idx] = updated
		out = append(out, updated.Clone())
		events = append(events, ChangeEvent{Table: t.Name, Type: EventUpdate, New: updated.Clone(), Old: old.Clone(), CommitTime: s.timestamp()})
	}
	return out, events, nil
}

func (s *MemoryStore) update(t Table, set Row, filters []Filter) ([]Row, []ChangeEvent, error) {
	rows := s.tables[t.Name]
	next := make([]Row, len(rows))
	copy(next, rows)

	var touched []int
	for i, r := range rows {
		if !MatchAll(r, filters) {
			continue
		}
		updated := r.Clone()
		for c, v := range set {
			updated[c] = normalize(v)
		}
		next[i] = updated
		touched = append(touched, i)
	}
	for _, i := range touched {
		if s.collides(t, next, next[i], i) {
			return nil, nil, newError(CodeConflict, "update", t.Name, errors.New("duplicate key"))
		}
	}

	s.tables[t.Name] = next
	out := make([]Row, 0, len(touched))
	events := make([]ChangeEvent, 0, len(touched))
	commit := s.timestamp()
	for _, i := range touched {
		out = append(out, next[i].Clone())
		events = append(events, ChangeEvent{Table: t.Name, Type: EventUpdate, New: next[i].Clone(), Old: rows[i].Clone(), CommitTime: commit})
	}
	return out, events, nil
}

func (s *MemoryStore) delete(t Table, filters []Filter) ([]Row, []ChangeEvent, error) {
	var (
		kept    []Row
		removed []Row
	)
	for _, r := range s.tables[t.Name] {
		if MatchAll(r, filters) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	s.tables[t.Name] = kept

	commit := s.timestamp()
	var events []ChangeEvent
	if t.Name == TableConversations {
		for _, conv := range removed {
			events = append(events, s.cascade(conv["id"], commit)...)
		}
	}

	out := make([]Row, len(removed))
	for i, r := range removed {
		out[i] = r.Clone()
		events = append(events, ChangeEvent{Table: t.Name, Type: EventDelete, Old: r.Clone(), CommitTime: commit})
	}
	return out, events, nil
}

// cascade removes the rows of every child table hanging off a conversation
func (s *MemoryStore) cascade(convID any, commit time.Time) []ChangeEvent {
	var events []ChangeEvent
	names := make([]string, 0, len(Schema))
	for name := range Schema {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := Schema[name]
		if child.Parent == "" {
			continue
		}
		var kept []Row
		for _, r := range s.tables[name] {
			if equal(normalize(r[child.Parent]), normalize(convID)) {
				events = append(events, ChangeEvent{Table: name, Type: EventDelete, Old: r.Clone(), CommitTime: commit})
				continue
			}
			kept = append(kept, r)
		}
		s.tables[name] = kept
	}
	return events
}

// Subscribe implements Store
func (s *MemoryStore) Subscribe(ctx context.Context, table string, filters ...Filter) (Subscription, error) {
	t, err := Lookup("subscribe", table)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		if err := t.checkColumns("subscribe", f.Column); err != nil {
			return nil, err
		}
	}
	if err := s.precheck("subscribe", table, nil); err != nil {
		return nil, err
	}
	src, err := s.feed.Subscribe(ctx, table)
	if err != nil {
		return nil, err
	}
	return Filtered(ctx, src, filters, nil), nil
}
