package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
	"go.uber.org/zap"
)

const (
	// createAttempts bounds the retries of a creation that lost a roster race
	createAttempts = 5
	createBackoff  = 50 * time.Millisecond

	compensateTimeout = 5 * time.Second
)

// ConversationRepository handles conversations, their rosters, visibility
// and read watermarks
type ConversationRepository struct {
	store    store.Store
	messages *MessageRepository
	log      *zap.Logger
}

func NewConversationRepository(s store.Store, messages *MessageRepository, log *zap.Logger) *ConversationRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationRepository{store: s, messages: messages, log: log}
}

// ==================== Listing ====================

// ConversationIDs returns the ids of every conversation the user participates in
func (r *ConversationRepository) ConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableParticipants,
		Filters: []store.Filter{store.Eq("user_id", userID)},
		Columns: []string{"conversation_id"},
	})
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, rowUUID(row, "conversation_id"))
	}
	return ids, nil
}

// ListForUser returns every conversation the user participates in, newest
// first, hidden ones included
func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.ConversationView, error) {
	ids, err := r.ConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.views(ctx, userID, ids)
}

// View returns one conversation as listed for the user, or store.ErrNotFound
// when the user does not participate in it
func (r *ConversationRepository) View(ctx context.Context, userID, conversationID uuid.UUID) (*model.ConversationView, error) {
	views, err := r.views(ctx, userID, []uuid.UUID{conversationID})
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, &store.Error{Code: store.CodeNotFound, Op: "read", Table: store.TableConversations}
	}
	return &views[0], nil
}

func (r *ConversationRepository) views(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]model.ConversationView, error) {
	if len(ids) == 0 {
		return []model.ConversationView{}, nil
	}

	convRows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableConversations,
		Filters: []store.Filter{store.In("id", ids)},
		Order:   []store.Order{{Column: "created_at", Desc: true}, {Column: "id"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	convs, err := decodeRows[model.Conversation](convRows)
	if err != nil {
		return nil, err
	}

	partRows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableParticipants,
		Filters: []store.Filter{store.In("conversation_id", ids)},
	})
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	participants, err := decodeRows[model.Participant](partRows)
	if err != nil {
		return nil, err
	}
	names, err := r.usernames(ctx, participantUserIDs(participants))
	if err != nil {
		return nil, err
	}

	visible, err := r.visibility(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	lastRead, err := r.watermarks(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	latest, err := r.messages.LatestAt(ctx, ids)
	if err != nil {
		return nil, err
	}

	others := make(map[uuid.UUID][]string)
	roles := make(map[uuid.UUID]model.Role)
	for _, p := range participants {
		if p.UserID == userID {
			roles[p.ConversationID] = p.Role
			continue
		}
		others[p.ConversationID] = append(others[p.ConversationID], names[p.UserID])
	}

	out := make([]model.ConversationView, 0, len(convs))
	for _, c := range convs {
		view := model.ConversationView{
			Conversation:     c,
			ParticipantNames: others[c.ID],
			IsVisible:        true,
			MyRole:           roles[c.ID],
		}
		if view.ParticipantNames == nil {
			view.ParticipantNames = []string{}
		}
		sort.Strings(view.ParticipantNames)
		if v, ok := visible[c.ID]; ok {
			view.IsVisible = v
		}
		if t, ok := lastRead[c.ID]; ok {
			t := t
			view.LastReadAt = &t
		}
		if t, ok := latest[c.ID]; ok {
			t := t
			view.LatestMessageAt = &t
		}
		if view.MyRole == "" {
			view.MyRole = model.RoleMember
		}
		view.RecomputeUnread()
		out = append(out, view)
	}
	return out, nil
}

func participantUserIDs(ps []model.Participant) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (r *ConversationRepository) usernames(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableProfiles,
		Filters: []store.Filter{store.In("user_id", userIDs)},
		Columns: []string{"user_id", "username"},
	})
	if err != nil {
		return nil, fmt.Errorf("load usernames: %w", err)
	}
	for _, row := range rows {
		name, _ := row["username"].(string)
		out[rowUUID(row, "user_id")] = name
	}
	return out, nil
}

func (r *ConversationRepository) visibility(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableVisibility,
		Filters: []store.Filter{store.Eq("user_id", userID), store.In("conversation_id", ids)},
	})
	if err != nil {
		return nil, fmt.Errorf("load visibility: %w", err)
	}
	vs, err := decodeRows[model.Visibility](rows)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(vs))
	for _, v := range vs {
		out[v.ConversationID] = v.IsVisible
	}
	return out, nil
}

func (r *ConversationRepository) watermarks(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableReads,
		Filters: []store.Filter{store.Eq("user_id", userID), store.In("conversation_id", ids)},
	})
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	ws, err := decodeRows[model.ReadWatermark](rows)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]time.Time, len(ws))
	for _, w := range ws {
		out[w.ConversationID] = w.LastReadAt
	}
	return out, nil
}

// ==================== Visibility & watermarks ====================

// Hide removes the conversation from the user's list. Idempotent.
func (r *ConversationRepository) Hide(ctx context.Context, userID, conversationID uuid.UUID) error {
	return r.setVisible(ctx, userID, conversationID, false)
}

// Unhide puts the conversation back on the user's list. Idempotent.
func (r *ConversationRepository) Unhide(ctx context.Context, userID, conversationID uuid.UUID) error {
	return r.setVisible(ctx, userID, conversationID, true)
}

func (r *ConversationRepository) setVisible(ctx context.Context, userID, conversationID uuid.UUID, visible bool) error {
	_, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableVisibility,
		Action: store.ActionUpsert,
		Values: []store.Row{{
			"user_id":         userID,
			"conversation_id": conversationID,
			"is_visible":      visible,
		}},
	})
	if err != nil {
		action := "hide conversation"
		if visible {
			action = "unhide conversation"
		}
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

// MarkRead advances the user's watermark to at. It never moves it back.
func (r *ConversationRepository) MarkRead(ctx context.Context, userID, conversationID uuid.UUID, at time.Time) error {
	if err := advanceWatermark(ctx, r.store, userID, conversationID, at); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ==================== Creation ====================

// NormalizeRoster returns the sorted, de-duplicated participant ids of a
// conversation created by creator with others
func NormalizeRoster(creator uuid.UUID, others []uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]bool{creator: true}
	ids := []uuid.UUID{creator}
	for _, id := range others {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func rosterKey(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// Create returns the conversation whose roster is exactly creator plus
// others, creating it when none exists. The creator is seeded as admin and
// everyone else as member.
func (r *ConversationRepository) Create(ctx context.Context, creatorID uuid.UUID, others []uuid.UUID, name *string) (*model.Conversation, error) {
	ids := NormalizeRoster(creatorID, others)
	if len(ids) < 2 {
		return nil, model.ErrEmptyRoster
	}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			name = nil
		} else {
			name = &trimmed
		}
	}
	key := rosterKey(ids)

	for attempt := 0; attempt < createAttempts; attempt++ {
		existing, err := r.findByRoster(ctx, creatorID, ids)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}

		conv, err := r.insert(ctx, creatorID, ids, name, &key)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}

		holder, drifted, err := r.rosterHolder(ctx, key, ids)
		if err != nil {
			return nil, err
		}
		if holder != nil {
			r.log.Info("conversation creation joined existing roster",
				zap.String("conversation_id", holder.ID.String()),
				zap.NamedError("reason", model.ErrDuplicateRoster))
			return holder, nil
		}
		if drifted {
			// the key holder's roster has changed since; this roster gets a
			// conversation of its own
			return r.insert(ctx, creatorID, ids, name, nil)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("create conversation: %w", ctx.Err())
		case <-time.After(createBackoff << attempt):
		}
	}
	// the key holder never settled into a roster we can see
	r.log.Warn("roster key still contended, creating unkeyed conversation",
		zap.String("roster_key", key))
	return r.insert(ctx, creatorID, ids, name, nil)
}

// findByRoster looks for a conversation of the creator's whose current
// participant set is exactly ids. The oldest match wins.
func (r *ConversationRepository) findByRoster(ctx context.Context, creatorID uuid.UUID, ids []uuid.UUID) (*model.Conversation, error) {
	mine, err := r.ConversationIDs(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if len(mine) == 0 {
		return nil, nil
	}
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableParticipants,
		Filters: []store.Filter{store.In("conversation_id", mine)},
	})
	if err != nil {
		return nil, fmt.Errorf("find roster: %w", err)
	}
	rosters := make(map[uuid.UUID][]uuid.UUID)
	for _, row := range rows {
		conv := rowUUID(row, "conversation_id")
		rosters[conv] = append(rosters[conv], rowUUID(row, "user_id"))
	}

	var matches []uuid.UUID
	for conv, members := range rosters {
		if sameRoster(members, ids) {
			matches = append(matches, conv)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	convRows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableConversations,
		Filters: []store.Filter{store.In("id", matches)},
		Order:   []store.Order{{Column: "created_at"}, {Column: "id"}},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("find roster: %w", err)
	}
	if len(convRows) == 0 {
		return nil, nil
	}
	return decodeRow[model.Conversation](convRows[0])
}

// rosterHolder inspects the conversation holding key after an insert lost
// the race for it. It returns the holder when its roster is ids, drifted
// when the holder now has a different roster, and neither when the holder
// vanished or is still being seeded.
func (r *ConversationRepository) rosterHolder(ctx context.Context, key string, ids []uuid.UUID) (*model.Conversation, bool, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableConversations,
		Filters: []store.Filter{store.Eq("roster_key", key)},
	})
	if err != nil {
		return nil, false, fmt.Errorf("resolve roster conflict: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	holder, err := decodeRow[model.Conversation](rows[0])
	if err != nil {
		return nil, false, err
	}

	members, err := r.memberIDs(ctx, holder.ID)
	if err != nil {
		return nil, false, err
	}
	switch {
	case len(members) == 0:
		return nil, false, nil
	case sameRoster(members, ids):
		return holder, false, nil
	}
	return nil, true, nil
}

func sameRoster(members, ids []uuid.UUID) bool {
	if len(members) != len(ids) {
		return false
	}
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, m := range members {
		if !want[m] {
			return false
		}
	}
	return true
}

// insert writes the conversation, then its participants, then a visible
// row per participant. A failure after the first write deletes the
// conversation again, which cascades to whatever was written.
func (r *ConversationRepository) insert(ctx context.Context, creatorID uuid.UUID, ids []uuid.UUID, name *string, key *string) (*model.Conversation, error) {
	convRow := store.Row{"creator_id": creatorID}
	if name != nil {
		convRow["name"] = *name
	}
	if key != nil {
		convRow["roster_key"] = *key
	}
	rows, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableConversations,
		Action: store.ActionInsert,
		Values: []store.Row{convRow},
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	conv, err := decodeRow[model.Conversation](rows[0])
	if err != nil {
		return nil, err
	}

	participants := make([]store.Row, 0, len(ids))
	visibility := make([]store.Row, 0, len(ids))
	for _, id := range ids {
		role := model.RoleMember
		if id == creatorID {
			role = model.RoleAdmin
		}
		participants = append(participants, store.Row{
			"conversation_id": conv.ID,
			"user_id":         id,
			"role":            string(role),
		})
		visibility = append(visibility, store.Row{
			"user_id":         id,
			"conversation_id": conv.ID,
			"is_visible":      true,
		})
	}

	if _, err := r.store.Write(ctx, store.Mutation{Table: store.TableParticipants, Action: store.ActionInsert, Values: participants}); err != nil {
		return nil, r.compensate(ctx, conv.ID, fmt.Errorf("seed participants: %w", err))
	}
	if _, err := r.store.Write(ctx, store.Mutation{Table: store.TableVisibility, Action: store.ActionInsert, Values: visibility}); err != nil {
		return nil, r.compensate(ctx, conv.ID, fmt.Errorf("seed visibility: %w", err))
	}
	return conv, nil
}

func (r *ConversationRepository) compensate(ctx context.Context, conversationID uuid.UUID, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	_, err := r.store.Write(ctx, store.Mutation{
		Table:   store.TableConversations,
		Action:  store.ActionDelete,
		Filters: []store.Filter{store.Eq("id", conversationID)},
	})
	if err != nil {
		r.log.Error("compensating delete failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		return errors.Join(cause, model.ErrRequiresReconcile)
	}
	return cause
}

// ==================== Participants ====================

func (r *ConversationRepository) memberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableParticipants,
		Filters: []store.Filter{store.Eq("conversation_id", conversationID)},
		Columns: []string{"user_id"},
	})
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, rowUUID(row, "user_id"))
	}
	return ids, nil
}

var roleRank = map[model.Role]int{model.RoleAdmin: 0, model.RoleModerator: 1, model.RoleMember: 2}

// Participants returns the roster of a conversation, admins first
func (r *ConversationRepository) Participants(ctx context.Context, conversationID uuid.UUID) ([]model.ParticipantView, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table:   store.TableParticipants,
		Filters: []store.Filter{store.Eq("conversation_id", conversationID)},
	})
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	participants, err := decodeRows[model.Participant](rows)
	if err != nil {
		return nil, err
	}

	ids := participantUserIDs(participants)
	profiles := make(map[uuid.UUID]model.Profile, len(ids))
	if len(ids) > 0 {
		profileRows, err := r.store.Read(ctx, store.Query{
			Table:   store.TableProfiles,
			Filters: []store.Filter{store.In("user_id", ids)},
		})
		if err != nil {
			return nil, fmt.Errorf("load roster profiles: %w", err)
		}
		ps, err := decodeRows[model.Profile](profileRows)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			profiles[p.UserID] = p
		}
	}

	out := make([]model.ParticipantView, 0, len(participants))
	for _, p := range participants {
		out = append(out, model.ParticipantView{
			UserID:   p.UserID,
			Username: profiles[p.UserID].Username,
			Name:     profiles[p.UserID].Name,
			Role:     p.Role,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if roleRank[out[i].Role] != roleRank[out[j].Role] {
			return roleRank[out[i].Role] < roleRank[out[j].Role]
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// Participant returns one roster row, or nil when the user is not a participant
func (r *ConversationRepository) Participant(ctx context.Context, conversationID, userID uuid.UUID) (*model.Participant, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table: store.TableParticipants,
		Filters: []store.Filter{
			store.Eq("conversation_id", conversationID),
			store.Eq("user_id", userID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeRow[model.Participant](rows[0])
}

// RoleOf returns the user's role in the conversation; absence reads as member
func (r *ConversationRepository) RoleOf(ctx context.Context, userID, conversationID uuid.UUID) (model.Role, error) {
	p, err := r.Participant(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return model.RoleMember, nil
	}
	return p.Role, nil
}

// CountAdmins returns how many admins the conversation has
func (r *ConversationRepository) CountAdmins(ctx context.Context, conversationID uuid.UUID) (int, error) {
	rows, err := r.store.Read(ctx, store.Query{
		Table: store.TableParticipants,
		Filters: []store.Filter{
			store.Eq("conversation_id", conversationID),
			store.Eq("role", string(model.RoleAdmin)),
		},
		Columns: []string{"user_id"},
	})
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return len(rows), nil
}

// DeleteParticipant removes a roster row and returns it, or nil if there was none
func (r *ConversationRepository) DeleteParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*model.Participant, error) {
	rows, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableParticipants,
		Action: store.ActionDelete,
		Filters: []store.Filter{
			store.Eq("conversation_id", conversationID),
			store.Eq("user_id", userID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("remove participant: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeRow[model.Participant](rows[0])
}

// RestoreParticipant re-inserts a roster row removed by DeleteParticipant
func (r *ConversationRepository) RestoreParticipant(ctx context.Context, p model.Participant) error {
	_, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableParticipants,
		Action: store.ActionInsert,
		Values: []store.Row{{
			"conversation_id": p.ConversationID,
			"user_id":         p.UserID,
			"role":            string(p.Role),
		}},
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("restore participant: %w", err)
	}
	return nil
}

// DeleteVisibility drops the user's visibility row for the conversation
func (r *ConversationRepository) DeleteVisibility(ctx context.Context, conversationID, userID uuid.UUID) error {
	_, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableVisibility,
		Action: store.ActionDelete,
		Filters: []store.Filter{
			store.Eq("user_id", userID),
			store.Eq("conversation_id", conversationID),
		},
	})
	if err != nil {
		return fmt.Errorf("remove visibility: %w", err)
	}
	return nil
}

// UpdateRole sets a participant's role
func (r *ConversationRepository) UpdateRole(ctx context.Context, conversationID, userID uuid.UUID, role model.Role) error {
	rows, err := r.store.Write(ctx, store.Mutation{
		Table:  store.TableParticipants,
		Action: store.ActionUpdate,
		Set:    store.Row{"role": string(role)},
		Filters: []store.Filter{
			store.Eq("conversation_id", conversationID),
			store.Eq("user_id", userID),
		},
	})
	if err != nil {
		return fmt.Errorf("change role: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("change role: %w", store.ErrNotFound)
	}
	return nil
}
