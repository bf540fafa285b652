package store

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Participant roles as stored in conversation_participants.role
const (
	roleAdmin     = "admin"
	roleModerator = "moderator"
	roleMember    = "member"
)

// Policy scopes a Store to one signed-in user and enforces the row-level
// rules of every table. It is the authoritative check; the role engine only
// mirrors these rules for early feedback.
type Policy struct {
	inner Store
	user  string
}

// ForUser wraps inner with the row-level rules for userID
func ForUser(inner Store, userID uuid.UUID) *Policy {
	return &Policy{inner: inner, user: userID.String()}
}

// Read implements Store. Rows the user may not see are filtered out.
func (p *Policy) Read(ctx context.Context, q Query) ([]Row, error) {
	if q.Table == TableUsers {
		return nil, deniedf("read", q.Table, "table not readable")
	}
	if q.Table == TableProfiles {
		return p.inner.Read(ctx, q)
	}

	full := q
	full.Columns = nil
	full.Limit = 0
	rows, err := p.inner.Read(ctx, full)
	if err != nil {
		return nil, err
	}
	visible, err := p.visibleFunc(ctx, q.Table)
	if err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, r := range rows {
		if visible(r) {
			out = append(out, r)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if len(q.Columns) > 0 {
		for i, r := range out {
			proj := make(Row, len(q.Columns))
			for _, c := range q.Columns {
				proj[c] = r[c]
			}
			out[i] = proj
		}
	}
	return out, nil
}

// visibleFunc returns the row predicate for a table, loading the user's
// memberships once.
func (p *Policy) visibleFunc(ctx context.Context, table string) (func(Row) bool, error) {
	switch table {
	case TableVisibility, TableReads:
		return p.owns, nil
	case TableConversations, TableParticipants, TableMessages:
		member, err := p.memberships(ctx)
		if err != nil {
			return nil, err
		}
		if table != TableConversations {
			return func(r Row) bool { return member[str(r["conversation_id"])] }, nil
		}
		return func(r Row) bool { return p.mayReadConversation(r, member) }, nil
	}
	return func(Row) bool { return false }, nil
}

func (p *Policy) mayReadConversation(r Row, member map[string]bool) bool {
	if member[str(r["id"])] || str(r["creator_id"]) == p.user {
		return true
	}
	// a roster holder is readable by everyone named in its roster
	for _, id := range strings.Split(str(r["roster_key"]), ",") {
		if id == p.user {
			return true
		}
	}
	return false
}

func (p *Policy) owns(r Row) bool { return str(r["user_id"]) == p.user }

func (p *Policy) memberships(ctx context.Context) (map[string]bool, error) {
	rows, err := p.inner.Read(ctx, Query{
		Table:   TableParticipants,
		Filters: []Filter{Eq("user_id", p.user)},
		Columns: []string{"conversation_id"},
	})
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(rows))
	for _, r := range rows {
		set[str(r["conversation_id"])] = true
	}
	return set, nil
}

func (p *Policy) roleIn(ctx context.Context, convID string) (string, error) {
	rows, err := p.inner.Read(ctx, Query{
		Table:   TableParticipants,
		Filters: []Filter{Eq("conversation_id", convID), Eq("user_id", p.user)},
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return str(rows[0]["role"]), nil
}

func (p *Policy) creatorOf(ctx context.Context, convID string) (string, error) {
	rows, err := p.inner.Read(ctx, Query{
		Table:   TableConversations,
		Filters: []Filter{Eq("id", convID)},
		Columns: []string{"creator_id"},
	})
	if err != nil || len(rows) == 0 {
		return "", err
	}
	return str(rows[0]["creator_id"]), nil
}

// seedsRoster reports whether the user is creating convID's roster: they
// created the conversation and it has no participants yet
func (p *Policy) seedsRoster(ctx context.Context, convID string) (bool, error) {
	creator, err := p.creatorOf(ctx, convID)
	if err != nil || creator != p.user {
		return false, err
	}
	rows, err := p.inner.Read(ctx, Query{
		Table:   TableParticipants,
		Filters: []Filter{Eq("conversation_id", convID)},
		Columns: []string{"user_id"},
		Limit:   1,
	})
	if err != nil {
		return false, err
	}
	return len(rows) == 0, nil
}

func seedRole(self bool) string {
	if self {
		return roleAdmin
	}
	return roleMember
}

func privileged(role string) bool { return role == roleAdmin || role == roleModerator }

// Write implements Store
func (p *Policy) Write(ctx context.Context, m Mutation) ([]Row, error) {
	if err := p.authorize(ctx, m); err != nil {
		return nil, err
	}
	return p.inner.Write(ctx, m)
}

func (p *Policy) authorize(ctx context.Context, m Mutation) error {
	op := string(m.Action)
	switch m.Table {
	case TableProfiles:
		return p.authorizeOwnRows(ctx, m, false)
	case TableReads:
		return p.authorizeOwnRows(ctx, m, true)
	case TableVisibility:
		switch m.Action {
		case ActionDelete:
			return p.authorizeVisibilityDelete(ctx, m)
		case ActionInsert:
			return p.authorizeSeededRows(ctx, m)
		}
		return p.authorizeOwnRows(ctx, m, false)
	case TableConversations:
		return p.authorizeConversation(ctx, m)
	case TableParticipants:
		return p.authorizeParticipants(ctx, m)
	case TableMessages:
		if m.Action != ActionInsert {
			return deniedf(op, m.Table, "messages are append-only")
		}
		for _, r := range m.Values {
			if str(r["sender_id"]) != p.user {
				return deniedf(op, m.Table, "sender must be the signed-in user")
			}
			role, err := p.roleIn(ctx, str(r["conversation_id"]))
			if err != nil {
				return err
			}
			if role == "" {
				return deniedf(op, m.Table, "not a participant")
			}
		}
		return nil
	}
	return deniedf(op, m.Table, "table not writable")
}

// authorizeOwnRows allows writes only to rows whose user_id is the signed-in
// user. Deletes are allowed only when allowDelete is set.
func (p *Policy) authorizeOwnRows(ctx context.Context, m Mutation, allowDelete bool) error {
	op := string(m.Action)
	switch m.Action {
	case ActionInsert, ActionUpsert:
		for _, r := range m.Values {
			if !p.owns(r) {
				return deniedf(op, m.Table, "row belongs to another user")
			}
		}
		return nil
	case ActionUpdate:
		if v, ok := m.Set["user_id"]; ok && str(v) != p.user {
			return deniedf(op, m.Table, "cannot reassign row")
		}
		return p.eachMatched(ctx, m, func(r Row) error {
			if !p.owns(r) {
				return deniedf(op, m.Table, "row belongs to another user")
			}
			return nil
		})
	case ActionDelete:
		if !allowDelete {
			return deniedf(op, m.Table, "delete not allowed")
		}
		return p.eachMatched(ctx, m, func(r Row) error {
			if !p.owns(r) {
				return deniedf(op, m.Table, "row belongs to another user")
			}
			return nil
		})
	}
	return deniedf(op, m.Table, "unsupported action")
}

// authorizeSeededRows lets the creator of a conversation insert rows on
// behalf of its participants.
func (p *Policy) authorizeSeededRows(ctx context.Context, m Mutation) error {
	for _, r := range m.Values {
		if p.owns(r) {
			continue
		}
		creator, err := p.creatorOf(ctx, str(r["conversation_id"]))
		if err != nil {
			return err
		}
		if creator != p.user {
			return deniedf("insert", m.Table, "row belongs to another user")
		}
	}
	return nil
}

// authorizeVisibilityDelete allows deleting one's own rows, and lets an
// admin or moderator clear a non-admin's row while removing them.
func (p *Policy) authorizeVisibilityDelete(ctx context.Context, m Mutation) error {
	return p.eachMatched(ctx, m, func(r Row) error {
		if p.owns(r) {
			return nil
		}
		conv := str(r["conversation_id"])
		role, err := p.roleIn(ctx, conv)
		if err != nil {
			return err
		}
		if !privileged(role) {
			return deniedf("delete", m.Table, "requires admin or moderator")
		}
		target, err := p.inner.Read(ctx, Query{
			Table:   TableParticipants,
			Filters: []Filter{Eq("conversation_id", conv), Eq("user_id", r["user_id"])},
		})
		if err != nil {
			return err
		}
		if len(target) > 0 && str(target[0]["role"]) == roleAdmin {
			return deniedf("delete", m.Table, "target is an admin")
		}
		return nil
	})
}

func (p *Policy) authorizeConversation(ctx context.Context, m Mutation) error {
	op := string(m.Action)
	switch m.Action {
	case ActionInsert:
		for _, r := range m.Values {
			if str(r["creator_id"]) != p.user {
				return deniedf(op, m.Table, "creator must be the signed-in user")
			}
		}
		return nil
	case ActionDelete:
		return p.eachMatched(ctx, m, func(r Row) error {
			if str(r["creator_id"]) != p.user {
				return deniedf(op, m.Table, "only the creator may delete")
			}
			return nil
		})
	}
	return deniedf(op, m.Table, "conversations are immutable")
}

func (p *Policy) authorizeParticipants(ctx context.Context, m Mutation) error {
	op := string(m.Action)
	switch m.Action {
	case ActionInsert:
		seeding := make(map[string]bool)
		for _, r := range m.Values {
			conv := str(r["conversation_id"])
			seed, checked := seeding[conv]
			if !checked {
				var err error
				if seed, err = p.seedsRoster(ctx, conv); err != nil {
					return err
				}
				seeding[conv] = seed
			}
			if seed {
				// the creator's own row is the admin, everyone else a member
				if want := seedRole(p.owns(r)); str(r["role"]) != want {
					return deniedf(op, m.Table, "a new roster gives this row role %q", want)
				}
				continue
			}
			role, err := p.roleIn(ctx, conv)
			if err != nil {
				return err
			}
			if !privileged(role) || str(r["role"]) == roleAdmin {
				return deniedf(op, m.Table, "requires admin or moderator")
			}
		}
		return nil
	case ActionUpdate:
		for c := range m.Set {
			if c != "role" {
				return deniedf(op, m.Table, "only role may change")
			}
		}
		if next := str(m.Set["role"]); next != roleModerator && next != roleMember {
			return deniedf(op, m.Table, "role %q cannot be assigned", next)
		}
		return p.eachMatched(ctx, m, func(r Row) error {
			return p.checkPrivilegedOver(ctx, op, r, false)
		})
	case ActionDelete:
		return p.eachMatched(ctx, m, func(r Row) error {
			return p.checkPrivilegedOver(ctx, op, r, true)
		})
	}
	return deniedf(op, m.Table, "unsupported action")
}

func (p *Policy) checkPrivilegedOver(ctx context.Context, op string, target Row, forbidSelf bool) error {
	role, err := p.roleIn(ctx, str(target["conversation_id"]))
	if err != nil {
		return err
	}
	switch {
	case !privileged(role):
		return deniedf(op, TableParticipants, "requires admin or moderator")
	case str(target["role"]) == roleAdmin:
		return deniedf(op, TableParticipants, "target is an admin")
	case forbidSelf && p.owns(target):
		return deniedf(op, TableParticipants, "cannot remove yourself")
	}
	return nil
}

func (p *Policy) eachMatched(ctx context.Context, m Mutation, check func(Row) error) error {
	rows, err := p.inner.Read(ctx, Query{Table: m.Table, Filters: m.Filters})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := check(r); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe implements Store. Events for rows the user may not read are
// dropped at delivery time, so a membership change takes effect at once.
func (p *Policy) Subscribe(ctx context.Context, table string, filters ...Filter) (Subscription, error) {
	var admit Admit
	switch table {
	case TableUsers:
		return nil, deniedf("subscribe", table, "table not readable")
	case TableProfiles:
	case TableVisibility, TableReads:
		admit = func(_ context.Context, ev ChangeEvent) bool { return p.owns(ev.Record()) }
	case TableParticipants:
		admit = func(ctx context.Context, ev ChangeEvent) bool {
			if p.owns(ev.Record()) {
				return true
			}
			role, err := p.roleIn(ctx, str(ev.Record()["conversation_id"]))
			return err == nil && role != ""
		}
	case TableMessages:
		admit = func(ctx context.Context, ev ChangeEvent) bool {
			role, err := p.roleIn(ctx, str(ev.Record()["conversation_id"]))
			return err == nil && role != ""
		}
	case TableConversations:
		admit = func(ctx context.Context, ev ChangeEvent) bool {
			member, err := p.memberships(ctx)
			return err == nil && p.mayReadConversation(ev.Record(), member)
		}
	default:
		return nil, deniedf("subscribe", table, "unknown table")
	}

	sub, err := p.inner.Subscribe(ctx, table, filters...)
	if err != nil {
		return nil, err
	}
	if admit == nil {
		return sub, nil
	}
	return Filtered(ctx, sub, nil, admit), nil
}

func str(v any) string {
	switch x := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return ""
}
