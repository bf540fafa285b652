// Package chat holds the per-user chat session: its view state, the unread
// model, the role engine and the realtime coordinator that keeps the state
// in step with the store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/store"
	"go.uber.org/zap"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second

	// BannerOffline is shown while the realtime link is down
	BannerOffline = "realtime.disconnected"
)

// RealtimeConfig tunes the coordinator. A zero HeartbeatTimeout disables
// the silence watchdog.
type RealtimeConfig struct {
	HeartbeatTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(defaultMaxBackoff, c.MinBackoff)
	}
	return c
}

// Session is one signed-in user's chat: the conversation list, the selected
// conversation with its messages and roster, unread flags and the composer.
// State changes happen under mu; store calls never do.
type Session struct {
	userID uuid.UUID
	convs  *repository.ConversationRepository
	msgs   *repository.MessageRepository
	roles  *Roles
	coord  *Coordinator
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	views     map[uuid.UUID]*model.ConversationView
	unread    *Unread
	selected  uuid.UUID
	selGen    uint64
	selCancel context.CancelFunc
	hiddenAt  map[uuid.UUID]time.Time
	messages  []model.Message
	seen      map[uuid.UUID]struct{}
	roster    []model.ParticipantView
	composer  string
	banner    string
	version   uint64
	updatedAt time.Time
	closed    bool

	watchMu   sync.Mutex
	watchers  map[uint64]chan model.SessionState
	nextWatch uint64
	pushed    uint64
}

// NewSession builds the session of userID over s, which must already be
// scoped to that user (see store.ForUser).
func NewSession(userID uuid.UUID, s store.Store, cfg RealtimeConfig, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("user_id", userID.String()))
	msgs := repository.NewMessageRepository(s, log)
	convs := repository.NewConversationRepository(s, msgs, log)
	sess := &Session{
		userID:   userID,
		convs:    convs,
		msgs:     msgs,
		roles:    NewRoles(convs, log),
		log:      log,
		now:      time.Now,
		views:    make(map[uuid.UUID]*model.ConversationView),
		unread:   NewUnread(),
		hiddenAt: make(map[uuid.UUID]time.Time),
		seen:     make(map[uuid.UUID]struct{}),
		watchers: make(map[uint64]chan model.SessionState),
	}
	sess.coord = newCoordinator(s, userID, sess, cfg, log)
	return sess
}

// UserID returns the owner of the session
func (s *Session) UserID() uuid.UUID { return s.userID }

// Start loads the conversation list and starts the realtime coordinator.
// The coordinator outlives ctx; it stops on Close.
func (s *Session) Start(ctx context.Context) error {
	if err := s.resync(ctx); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	if err := s.coord.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("open subscriptions: %w", err)
	}
	return nil
}

// Close stops the coordinator and ends every Watch stream
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.selCancel != nil {
		s.selCancel()
	}
	s.mu.Unlock()

	s.coord.Close()

	s.watchMu.Lock()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.watchMu.Unlock()
}

// ==================== Reads ====================

// Conversations returns the visible conversations, newest first
func (s *Session) Conversations() []model.ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked()
}

func (s *Session) visibleLocked() []model.ConversationView {
	out := make([]model.ConversationView, 0, len(s.views))
	for _, v := range s.views {
		if !v.IsVisible {
			continue
		}
		out = append(out, s.viewLocked(v))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Session) viewLocked(v *model.ConversationView) model.ConversationView {
	cp := *v
	cp.ParticipantNames = append([]string(nil), v.ParticipantNames...)
	s.unread.Apply(&cp)
	return cp
}

// Selected returns the open conversation, or nil
func (s *Session) Selected() *model.ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedLocked()
}

func (s *Session) selectedLocked() *model.ConversationView {
	v, ok := s.views[s.selected]
	if !ok {
		return nil
	}
	cp := s.viewLocked(v)
	return &cp
}

// Messages returns the messages of the open conversation, oldest first
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// Unread returns the unread flag of every known conversation
func (s *Session) Unread() map[uuid.UUID]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.Snapshot()
}

// IsUnread reports the unread flag of one conversation
func (s *Session) IsUnread(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.Is(id)
}

// NewMessage returns the composer text
func (s *Session) NewMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composer
}

// SetNewMessage replaces the composer text
func (s *Session) SetNewMessage(text string) {
	s.mu.Lock()
	if s.composer == text {
		s.mu.Unlock()
		return
	}
	s.composer = text
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
}

// Roster returns the participants of the open conversation
func (s *Session) Roster() []model.ParticipantView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ParticipantView(nil), s.roster...)
}

// MyRole returns the user's role in the open conversation, empty when none
// is open
func (s *Session) MyRole() model.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[s.selected]; ok {
		return v.MyRole
	}
	return ""
}

// Snapshot returns the whole session state
func (s *Session) Snapshot() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() model.SessionState {
	st := model.SessionState{
		UserID:        s.userID,
		Conversations: s.visibleLocked(),
		Selected:      s.selectedLocked(),
		Messages:      append([]model.Message{}, s.messages...),
		Unread:        s.unread.Snapshot(),
		NewMessage:    s.composer,
		Roster:        append([]model.ParticipantView{}, s.roster...),
		Version:       s.version,
		UpdatedAt:     s.updatedAt,
		Banner:        s.banner,
	}
	if st.Selected != nil {
		st.MyRole = st.Selected.MyRole
	}
	return st
}

// History returns the messages of any conversation the user participates in
func (s *Session) History(ctx context.Context, id uuid.UUID) ([]model.Message, error) {
	p, err := s.convs.Participant(ctx, id, s.userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, model.ErrPermissionDenied
	}
	return s.msgs.History(ctx, id)
}

// Participants returns the roster of any conversation the user participates in
func (s *Session) Participants(ctx context.Context, id uuid.UUID) ([]model.ParticipantView, error) {
	p, err := s.convs.Participant(ctx, id, s.userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, model.ErrPermissionDenied
	}
	return s.convs.Participants(ctx, id)
}

// ==================== Watch ====================

// Watch streams a snapshot after every state change, starting with the
// current one. Slow readers only get the latest snapshot. The channel is
// closed by cancel or by Close.
func (s *Session) Watch() (<-chan model.SessionState, func()) {
	ch := make(chan model.SessionState, 1)

	s.watchMu.Lock()
	s.mu.Lock()
	closed := s.closed
	st := s.snapshotLocked()
	s.mu.Unlock()
	ch <- st
	if closed {
		s.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.pushed = max(s.pushed, st.Version)
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			defer s.watchMu.Unlock()
			if c, ok := s.watchers[id]; ok {
				close(c)
				delete(s.watchers, id)
			}
		})
	}
}

func (s *Session) publish() {
	st := s.Snapshot()

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if st.Version < s.pushed {
		return
	}
	s.pushed = st.Version
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Session) touchLocked() {
	s.version++
	s.updatedAt = s.now().UTC()
}

// ==================== Actions ====================

// Select opens a conversation: its history replaces the message list and it
// is marked read. A selection superseded while loading is abandoned.
func (s *Session) Select(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrSessionClosed
	}
	if _, ok := s.views[id]; !ok {
		// possibly created moments ago and not yet delivered
		s.mu.Unlock()
		if err := s.refreshConversation(ctx, id); err != nil {
			return err
		}
		s.mu.Lock()
		if _, ok := s.views[id]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
		}
	}
	prev := s.selected
	if s.selCancel != nil {
		s.selCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.selGen++
	gen := s.selGen
	s.selCancel = cancel
	s.selected = id
	s.messages = nil
	s.seen = make(map[uuid.UUID]struct{})
	s.roster = nil
	s.touchLocked()
	s.mu.Unlock()
	s.publish()

	history, err := s.msgs.History(loadCtx, id)
	var roster []model.ParticipantView
	if err == nil {
		roster, err = s.convs.Participants(loadCtx, id)
	}

	s.mu.Lock()
	if gen != s.selGen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mergeMessagesLocked(history)
	s.roster = roster

	at := s.now().UTC()
	if latest := s.unread.Latest(id); latest != nil && latest.After(at) {
		at = *latest
	}
	s.unread.MarkRead(id, at)

	var prevAt time.Time
	if prev != uuid.Nil && prev != id && s.unread.Is(prev) {
		prevAt = *s.unread.Latest(prev)
		s.unread.MarkRead(prev, prevAt)
	}
	s.touchLocked()
	s.mu.Unlock()
	s.publish()

	if err := s.convs.MarkRead(ctx, s.userID, id, at); err != nil {
		s.log.Warn("marking selected conversation read failed",
			zap.String("conversation_id", id.String()), zap.Error(err))
	}
	if !prevAt.IsZero() {
		if err := s.convs.MarkRead(ctx, s.userID, prev, prevAt); err != nil {
			s.log.Warn("marking previous conversation read failed",
				zap.String("conversation_id", prev.String()), zap.Error(err))
		}
	}
	return nil
}

// Deselect closes the open conversation
func (s *Session) Deselect() {
	s.mu.Lock()
	s.dropSelectionLocked()
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
}

func (s *Session) dropSelectionLocked() {
	if s.selCancel != nil {
		s.selCancel()
		s.selCancel = nil
	}
	s.selGen++
	s.selected = uuid.Nil
	s.messages = nil
	s.seen = make(map[uuid.UUID]struct{})
	s.roster = nil
}

// mergeMessagesLocked adds msgs to the open conversation's list, skipping
// ids already present, and keeps it ordered
func (s *Session) mergeMessagesLocked(msgs []model.Message) {
	for _, m := range msgs {
		if m.ConversationID != s.selected {
			continue
		}
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
		s.unread.Observe(m.ConversationID, m.CreatedAt, true)
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := s.messages[i], s.messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Send posts the composer text to the open conversation and clears the
// composer on success
func (s *Session) Send(ctx context.Context) (*model.Message, error) {
	s.mu.Lock()
	text := s.composer
	s.mu.Unlock()
	return s.send(ctx, text, true)
}

// SendText posts text to the open conversation, leaving the composer alone
func (s *Session) SendText(ctx context.Context, text string) (*model.Message, error) {
	return s.send(ctx, text, false)
}

func (s *Session) send(ctx context.Context, text string, fromComposer bool) (*model.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	conv := s.selected
	s.mu.Unlock()
	if conv == uuid.Nil {
		return nil, model.ErrNoSelection
	}

	msg, err := s.msgs.Send(ctx, conv, s.userID, text)
	if err != nil {
		s.report(err)
		return nil, err
	}

	s.mu.Lock()
	if fromComposer && s.composer == text {
		s.composer = ""
	}
	if s.selected == msg.ConversationID {
		s.mergeMessagesLocked([]model.Message{*msg})
	}
	s.unread.Observe(msg.ConversationID, msg.CreatedAt, true)
	if s.banner != BannerOffline {
		s.banner = ""
	}
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
	return msg, nil
}

// Hide removes a conversation from the list until a new message arrives
func (s *Session) Hide(ctx context.Context, id uuid.UUID) error {
	if err := s.convs.Hide(ctx, s.userID, id); err != nil {
		s.report(err)
		return err
	}
	s.mu.Lock()
	if v, ok := s.views[id]; ok {
		v.IsVisible = false
		var mark time.Time
		if latest := s.unread.Latest(id); latest != nil {
			mark = *latest
		}
		s.hiddenAt[id] = mark
	}
	if s.selected == id {
		s.dropSelectionLocked()
	}
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
	return nil
}

// Create opens a conversation with others, or returns the existing one with
// the same participants, and makes sure it is listed
func (s *Session) Create(ctx context.Context, others []uuid.UUID, name *string) (*model.ConversationView, error) {
	conv, err := s.convs.Create(ctx, s.userID, others, name)
	if err != nil {
		if errors.Is(err, model.ErrRequiresReconcile) {
			s.coord.Refetch()
		}
		s.report(err)
		return nil, err
	}
	view, err := s.convs.View(ctx, s.userID, conv.ID)
	if err != nil {
		return nil, err
	}
	if !view.IsVisible {
		if err := s.convs.Unhide(ctx, s.userID, conv.ID); err != nil {
			return nil, err
		}
		view.IsVisible = true
	}

	s.mu.Lock()
	s.upsertViewLocked(*view)
	out := s.viewLocked(s.views[view.ID])
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
	s.coord.Resubscribe()
	return &out, nil
}

func (s *Session) upsertViewLocked(v model.ConversationView) {
	s.unread.Load([]model.ConversationView{v})
	s.views[v.ID] = &v
	if v.IsVisible {
		delete(s.hiddenAt, v.ID)
	}
}

// reshowsLocked reports whether a message created at brings the hidden
// conversation id back. Only messages the user had not seen when hiding
// it count; without a record of the hide every message does.
func (s *Session) reshowsLocked(id uuid.UUID, at time.Time) bool {
	mark, ok := s.hiddenAt[id]
	return !ok || at.After(mark)
}

func (s *Session) forgetLocked(id uuid.UUID) bool {
	if _, ok := s.views[id]; !ok {
		return false
	}
	delete(s.views, id)
	delete(s.hiddenAt, id)
	s.unread.Forget(id)
	if s.selected == id {
		s.dropSelectionLocked()
	}
	return true
}

// RemoveParticipant takes target out of a conversation
func (s *Session) RemoveParticipant(ctx context.Context, conversationID, target uuid.UUID) error {
	if err := s.roles.Remove(ctx, s.userID, conversationID, target); err != nil {
		if errors.Is(err, model.ErrRequiresReconcile) {
			s.coord.Refetch()
		}
		s.report(err)
		return err
	}
	return s.refreshConversation(ctx, conversationID)
}

// ChangeRole gives target a new role in a conversation
func (s *Session) ChangeRole(ctx context.Context, conversationID, target uuid.UUID, role string) error {
	if err := s.roles.ChangeRole(ctx, s.userID, conversationID, target, role); err != nil {
		s.report(err)
		return err
	}
	return s.refreshConversation(ctx, conversationID)
}

// report raises the banner for errors that are about the connection
func (s *Session) report(err error) {
	if Classify(err) != SeverityBanner {
		return
	}
	s.mu.Lock()
	s.banner = Code(err)
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
}

// refreshConversation reloads one conversation's view, and its roster if
// it is open. A conversation the user has left is dropped.
func (s *Session) refreshConversation(ctx context.Context, id uuid.UUID) error {
	view, err := s.convs.View(ctx, s.userID, id)
	if errors.Is(err, store.ErrNotFound) {
		s.mu.Lock()
		changed := s.forgetLocked(id)
		if changed {
			s.touchLocked()
		}
		s.mu.Unlock()
		if changed {
			s.publish()
		}
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	open := s.selected == id
	gen := s.selGen
	s.mu.Unlock()

	var roster []model.ParticipantView
	if open {
		if roster, err = s.convs.Participants(ctx, id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.upsertViewLocked(*view)
	if open && gen == s.selGen {
		s.roster = roster
	}
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
	return nil
}

// ==================== Realtime appliers ====================

func (s *Session) conversationIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) connection(up bool) {
	s.mu.Lock()
	switch {
	case !up && s.banner != BannerOffline:
		s.banner = BannerOffline
	case up && s.banner != "":
		s.banner = ""
	default:
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
}

// resync replaces the list with the store's and reloads the open
// conversation. Watermarks merge monotonically.
func (s *Session) resync(ctx context.Context) error {
	views, err := s.convs.ListForUser(ctx, s.userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	fresh := make(map[uuid.UUID]*model.ConversationView, len(views))
	for i := range views {
		fresh[views[i].ID] = &views[i]
	}
	for id := range s.views {
		if _, ok := fresh[id]; !ok {
			s.forgetLocked(id)
		}
	}
	s.views = fresh
	s.unread.Load(views)
	var reshow []uuid.UUID
	for id, v := range fresh {
		if v.IsVisible {
			delete(s.hiddenAt, id)
			continue
		}
		if _, ok := s.hiddenAt[id]; !ok {
			continue
		}
		// messages that arrived while the link was down bring it back
		if latest := s.unread.Latest(id); latest != nil && s.reshowsLocked(id, *latest) {
			v.IsVisible = true
			delete(s.hiddenAt, id)
			reshow = append(reshow, id)
		}
	}
	open := s.selected
	gen := s.selGen
	s.touchLocked()
	s.mu.Unlock()
	s.publish()

	for _, id := range reshow {
		if err := s.convs.Unhide(ctx, s.userID, id); err != nil {
			return err
		}
	}

	if open == uuid.Nil {
		return nil
	}
	history, err := s.msgs.History(ctx, open)
	if err != nil {
		return err
	}
	roster, err := s.convs.Participants(ctx, open)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if gen == s.selGen {
		s.mergeMessagesLocked(history)
		s.roster = roster
		s.touchLocked()
	}
	s.mu.Unlock()
	s.publish()
	return nil
}

// applyMessage handles a new message: it unhides a hidden conversation,
// appends to the open one (marking it read) or raises unread otherwise.
func (s *Session) applyMessage(ctx context.Context, ev store.ChangeEvent) error {
	if ev.Type != store.EventInsert {
		return nil
	}
	msg, err := repository.Decode[model.Message](ev.New)
	if err != nil {
		return err
	}
	conv := msg.ConversationID

	s.mu.Lock()
	_, known := s.views[conv]
	s.mu.Unlock()
	if !known {
		if err := s.refreshConversation(ctx, conv); err != nil {
			return err
		}
	}

	s.mu.Lock()
	view, known := s.views[conv]
	if !known {
		s.mu.Unlock()
		return nil
	}
	open := s.selected == conv
	fromSelf := msg.SenderID == s.userID
	s.unread.Observe(conv, msg.CreatedAt, open || fromSelf)
	unhide := !view.IsVisible && s.reshowsLocked(conv, msg.CreatedAt)
	if unhide {
		view.IsVisible = true
		delete(s.hiddenAt, conv)
	}
	if open {
		s.mergeMessagesLocked([]model.Message{*msg})
	}
	s.touchLocked()
	s.mu.Unlock()
	s.publish()

	if unhide {
		if err := s.convs.Unhide(ctx, s.userID, conv); err != nil {
			return err
		}
	}
	if open && !fromSelf {
		return s.convs.MarkRead(ctx, s.userID, conv, msg.CreatedAt)
	}
	return nil
}

// applyParticipant handles roster changes of conversations in the list
func (s *Session) applyParticipant(ctx context.Context, ev store.ChangeEvent) error {
	p, err := repository.Decode[model.Participant](ev.Record())
	if err != nil {
		return err
	}
	if p.UserID == s.userID && ev.Type == store.EventDelete {
		return s.leave(ctx, p.ConversationID)
	}
	return s.refreshConversation(ctx, p.ConversationID)
}

// applyMembership handles the user's own roster rows, which is how a
// conversation someone else created shows up
func (s *Session) applyMembership(ctx context.Context, ev store.ChangeEvent) error {
	p, err := repository.Decode[model.Participant](ev.Record())
	if err != nil {
		return err
	}
	if p.UserID != s.userID {
		return nil
	}
	if ev.Type == store.EventDelete {
		return s.leave(ctx, p.ConversationID)
	}
	return s.refreshConversation(ctx, p.ConversationID)
}

// leave drops a conversation the user was removed from and refetches
func (s *Session) leave(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	changed := s.forgetLocked(id)
	if changed {
		s.touchLocked()
	}
	s.mu.Unlock()
	if !changed {
		return nil
	}
	s.publish()
	s.log.Info("removed from conversation", zap.String("conversation_id", id.String()))
	return s.resync(ctx)
}

// applyWatermark merges a read watermark written elsewhere, e.g. by another
// tab of the same user
func (s *Session) applyWatermark(_ context.Context, ev store.ChangeEvent) error {
	if ev.Type == store.EventDelete {
		return nil
	}
	w, err := repository.Decode[model.ReadWatermark](ev.New)
	if err != nil {
		return err
	}
	if w.UserID != s.userID {
		return nil
	}
	s.mu.Lock()
	if _, ok := s.views[w.ConversationID]; !ok || !s.unread.MarkRead(w.ConversationID, w.LastReadAt) {
		s.mu.Unlock()
		return nil
	}
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
	return nil
}
