package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
)

func TestCreateAndSend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	s1 := w.live(t, "u1")
	s2 := w.live(t, "u2")

	view, err := s1.Create(ctx, []uuid.UUID{w.id("u2")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := view.ID
	if view.MyRole != model.RoleAdmin {
		t.Errorf("got role %v, want admin", view.MyRole)
	}
	if !listed(s1, c) {
		t.Error("the creator's list misses the new conversation")
	}
	eventually(t, "u2 to learn about the conversation", func() bool { return listed(s2, c) })

	if err := s1.Select(ctx, c); err != nil {
		t.Fatal(err)
	}
	s1.SetNewMessage("hello")
	msg, err := s1.Send(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.SenderUsername != "u1" || msg.Content != "hello" {
		t.Errorf("got %+v, want hello from u1", msg)
	}
	if got := s1.NewMessage(); got != "" {
		t.Errorf("got composer %q, want it cleared", got)
	}
	if s1.IsUnread(c) {
		t.Error("the sender sees its own message as unread")
	}

	eventually(t, "u2 to see the message as unread", func() bool { return s2.IsUnread(c) })

	if err := s2.Select(ctx, c); err != nil {
		t.Fatal(err)
	}
	if s2.IsUnread(c) {
		t.Error("got unread after select, want read")
	}
	if got := s2.Messages(); len(got) != 1 || got[0].ID != msg.ID {
		t.Errorf("got %v, want the sent message", got)
	}
	if got := s2.MyRole(); got != model.RoleMember {
		t.Errorf("got role %v, want member", got)
	}
	stored, err := w.convs("u2").View(ctx, w.id("u2"), c)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastReadAt == nil || stored.LastReadAt.Before(msg.CreatedAt) {
		t.Errorf("got watermark %v, want at least %v", stored.LastReadAt, msg.CreatedAt)
	}
}

func TestHiddenConversationReturnsOnNewMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")
	s1 := w.live(t, "u1")

	if err := s1.Hide(ctx, c); err != nil {
		t.Fatal(err)
	}
	if listed(s1, c) {
		t.Fatal("a hidden conversation is still listed")
	}
	stored, err := w.convs("u1").View(ctx, w.id("u1"), c)
	if err != nil {
		t.Fatal(err)
	}
	if stored.IsVisible {
		t.Error("hide did not reach the store")
	}

	if _, err := w.messages("u2").Send(ctx, c, w.id("u2"), "ping"); err != nil {
		t.Fatal(err)
	}

	eventually(t, "the conversation to come back", func() bool { return listed(s1, c) && s1.IsUnread(c) })
	eventually(t, "the unhide to reach the store", func() bool {
		v, err := w.convs("u1").View(ctx, w.id("u1"), c)
		return err == nil && v.IsVisible && v.IsUnread
	})
}

func TestReplayedMessageAppliesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")

	open := w.session(t, "u2")
	if err := open.Select(ctx, c); err != nil {
		t.Fatal(err)
	}
	closed := w.session(t, "u2")

	msg, err := w.messages("u1").Send(ctx, c, w.id("u1"), "once")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := w.base.Read(ctx, store.Query{Table: store.TableMessages, Filters: []store.Filter{store.Eq("id", msg.ID)}})
	if err != nil || len(rows) != 1 {
		t.Fatalf("got %v (%v), want the message row", rows, err)
	}
	ev := store.ChangeEvent{Table: store.TableMessages, Type: store.EventInsert, New: rows[0]}

	for i := 0; i < 3; i++ {
		if err := open.applyMessage(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if err := closed.applyMessage(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	count := 0
	for _, m := range open.Messages() {
		if m.ID == msg.ID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("got %d copies, want 1", count)
	}
	if open.IsUnread(c) {
		t.Error("the open conversation should stay read")
	}
	if !closed.IsUnread(c) {
		t.Error("a conversation that is not open should be unread")
	}
}

func TestSessionActionErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2", "eve")
	c := w.create(t, "u1", "u2")
	s := w.session(t, "u1")

	if _, err := s.SendText(ctx, "hi"); !errors.Is(err, model.ErrNoSelection) {
		t.Errorf("got %v, want %v", err, model.ErrNoSelection)
	}
	if err := s.Select(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendText(ctx, "   "); !errors.Is(err, model.ErrMessageEmpty) {
		t.Errorf("got %v, want %v", err, model.ErrMessageEmpty)
	}
	if s.Snapshot().Banner != "" {
		t.Error("a validation error raised the banner")
	}
	if _, err := s.Create(ctx, nil, nil); !errors.Is(err, model.ErrEmptyRoster) {
		t.Errorf("got %v, want %v", err, model.ErrEmptyRoster)
	}

	eve := w.session(t, "eve")
	if err := eve.Select(ctx, c); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
	if _, err := eve.History(ctx, c); !errors.Is(err, model.ErrPermissionDenied) {
		t.Errorf("got %v, want %v", err, model.ErrPermissionDenied)
	}

	s.Close()
	if err := s.Select(ctx, c); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("got %v, want %v", err, model.ErrSessionClosed)
	}
}

func TestHideDropsSelection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")
	s := w.session(t, "u1")

	if err := s.Select(ctx, c); err != nil {
		t.Fatal(err)
	}
	if s.Selected() == nil || len(s.Roster()) != 2 {
		t.Fatalf("got selection %v roster %v, want c with two participants", s.Selected(), s.Roster())
	}
	if err := s.Hide(ctx, c); err != nil {
		t.Fatal(err)
	}
	if s.Selected() != nil {
		t.Error("hiding the open conversation should close it")
	}
	if len(s.Messages()) != 0 || len(s.Roster()) != 0 {
		t.Error("the closed conversation left messages or roster behind")
	}
}

func TestWatchStreamsSnapshots(t *testing.T) {
	t.Parallel()

	w := newWorld(t, "u1")
	s := w.session(t, "u1")

	states, cancel := s.Watch()
	defer cancel()

	first := <-states
	s.SetNewMessage("draft")
	next := <-states
	if next.NewMessage != "draft" {
		t.Errorf("got composer %q, want draft", next.NewMessage)
	}
	if next.Version <= first.Version {
		t.Errorf("got version %d after %d, want it to grow", next.Version, first.Version)
	}

	s.Close()
	for range states {
	}
}

func TestRemovedParticipantLosesConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2", "u3")
	c := w.create(t, "u1", "u2", "u3")
	s1 := w.session(t, "u1")
	s3 := w.live(t, "u3")

	if !listed(s3, c) {
		t.Fatal("u3 should list the conversation")
	}
	if err := s1.RemoveParticipant(ctx, c, w.id("u3")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "u3 to drop the conversation", func() bool { return !listed(s3, c) })
}

func TestHiddenConversationReturnsAfterResync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")
	s1 := w.session(t, "u1")

	if err := s1.Hide(ctx, c); err != nil {
		t.Fatal(err)
	}
	sub, err := w.scoped("u1").Subscribe(ctx, store.TableMessages, store.Eq("conversation_id", c))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, err := w.messages("u2").Send(ctx, c, w.id("u2"), "ping"); err != nil {
		t.Fatal(err)
	}
	// the list is refetched before the insert is dispatched, as after
	// any (re)subscription
	if err := s1.resync(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s1.applyMessage(ctx, nextInsert(t, sub)); err != nil {
		t.Fatal(err)
	}

	if !listed(s1, c) || !s1.IsUnread(c) {
		t.Errorf("got listed=%v unread=%v, want both", listed(s1, c), s1.IsUnread(c))
	}
	stored, err := w.convs("u1").View(ctx, w.id("u1"), c)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsVisible {
		t.Error("the unhide did not reach the store")
	}
}

func TestInsertWithoutRecordedHideUnhides(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")
	if err := w.convs("u1").Hide(ctx, w.id("u1"), c); err != nil {
		t.Fatal(err)
	}
	s1 := w.session(t, "u1")
	sub, err := w.scoped("u1").Subscribe(ctx, store.TableMessages, store.Eq("conversation_id", c))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, err := w.messages("u2").Send(ctx, c, w.id("u2"), "ping"); err != nil {
		t.Fatal(err)
	}
	if err := s1.resync(ctx); err != nil {
		t.Fatal(err)
	}
	if listed(s1, c) {
		t.Fatal("a conversation hidden elsewhere came back before its message event")
	}
	if err := s1.applyMessage(ctx, nextInsert(t, sub)); err != nil {
		t.Fatal(err)
	}
	if !listed(s1, c) {
		t.Error("the message event did not bring the conversation back")
	}
}

func TestMessageSeenBeforeHideKeepsItHidden(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")
	s1 := w.session(t, "u1")
	sub, err := w.scoped("u1").Subscribe(ctx, store.TableMessages, store.Eq("conversation_id", c))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, err := w.messages("u2").Send(ctx, c, w.id("u2"), "old"); err != nil {
		t.Fatal(err)
	}
	old := nextInsert(t, sub)
	if err := s1.applyMessage(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s1.Hide(ctx, c); err != nil {
		t.Fatal(err)
	}

	// a replay of a message the user already had does not undo the hide
	if err := s1.applyMessage(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s1.resync(ctx); err != nil {
		t.Fatal(err)
	}
	if listed(s1, c) {
		t.Fatal("a replayed message brought the hidden conversation back")
	}

	if _, err := w.messages("u2").Send(ctx, c, w.id("u2"), "new"); err != nil {
		t.Fatal(err)
	}
	if err := s1.applyMessage(ctx, nextInsert(t, sub)); err != nil {
		t.Fatal(err)
	}
	if !listed(s1, c) {
		t.Error("a new message did not bring the conversation back")
	}
}

func TestSelectAdvancesPreviousWatermark(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2", "u3")
	c1 := w.create(t, "u1", "u2")
	c2 := w.create(t, "u1", "u2", "u3")
	s := w.session(t, "u2")

	if err := s.Select(ctx, c1); err != nil {
		t.Fatal(err)
	}
	msg, err := w.messages("u1").Send(ctx, c1, w.id("u1"), "while open")
	if err != nil {
		t.Fatal(err)
	}
	// the list learns about the message before its event is applied
	if err := s.refreshConversation(ctx, c1); err != nil {
		t.Fatal(err)
	}
	if !s.IsUnread(c1) {
		t.Fatal("want the open conversation behind its latest message")
	}

	if err := s.Select(ctx, c2); err != nil {
		t.Fatal(err)
	}
	if s.IsUnread(c1) {
		t.Error("switching away left the previous conversation unread")
	}
	stored, err := w.convs("u2").View(ctx, w.id("u2"), c1)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastReadAt == nil || stored.LastReadAt.Before(msg.CreatedAt) {
		t.Errorf("got watermark %v, want at least %v", stored.LastReadAt, msg.CreatedAt)
	}
}

func TestWatermarkEventClearsUnread(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")
	s := w.session(t, "u2")

	msg, err := w.messages("u1").Send(ctx, c, w.id("u1"), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.resync(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.IsUnread(c) {
		t.Fatal("want the conversation unread")
	}

	watermark := func(name string) store.ChangeEvent {
		t.Helper()
		rows, err := w.base.Read(ctx, store.Query{Table: store.TableReads, Filters: []store.Filter{
			store.Eq("user_id", w.id(name)),
			store.Eq("conversation_id", c),
		}})
		if err != nil || len(rows) != 1 {
			t.Fatalf("got %v (%v), want the watermark of %s", rows, err, name)
		}
		return store.ChangeEvent{Table: store.TableReads, Type: store.EventUpdate, New: rows[0]}
	}

	// the sender's own watermark says nothing about u2
	if err := s.applyWatermark(ctx, watermark("u1")); err != nil {
		t.Fatal(err)
	}
	if !s.IsUnread(c) {
		t.Error("another user's watermark cleared unread")
	}

	// read in another tab
	if err := w.convs("u2").MarkRead(ctx, w.id("u2"), c, msg.CreatedAt); err != nil {
		t.Fatal(err)
	}
	if err := s.applyWatermark(ctx, watermark("u2")); err != nil {
		t.Fatal(err)
	}
	if s.IsUnread(c) {
		t.Error("got unread after the watermark caught up, want read")
	}
}

func TestSupersededSelectIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2", "u3")
	c1 := w.create(t, "u1", "u2")
	c2 := w.create(t, "u1", "u2", "u3")
	if _, err := w.messages("u1").Send(ctx, c1, w.id("u1"), "in c1"); err != nil {
		t.Fatal(err)
	}
	want, err := w.messages("u1").Send(ctx, c2, w.id("u1"), "in c2")
	if err != nil {
		t.Fatal(err)
	}

	gated := newGatedStore(w.scoped("u2"), c1)
	s := NewSession(w.id("u2"), gated, testRealtime, nil)
	t.Cleanup(s.Close)
	if err := s.resync(ctx); err != nil {
		t.Fatal(err)
	}

	gated.armed.Store(true)
	first := make(chan error, 1)
	go func() { first <- s.Select(ctx, c1) }()
	<-gated.entered

	if err := s.Select(ctx, c2); err != nil {
		t.Fatal(err)
	}
	close(gated.release)
	if err := <-first; err != nil {
		t.Errorf("got %v from the superseded select, want nil", err)
	}

	if sel := s.Selected(); sel == nil || sel.ID != c2 {
		t.Fatalf("got selection %v, want %v", sel, c2)
	}
	got := s.Messages()
	if len(got) != 1 || got[0].ID != want.ID {
		t.Errorf("got %v, want only the message of %v", got, c2)
	}
}

func TestDeselectClosesConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newWorld(t, "u1", "u2")
	c := w.create(t, "u1", "u2")
	s := w.session(t, "u1")

	if err := s.Select(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendText(ctx, "hi"); err != nil {
		t.Fatal(err)
	}
	s.Deselect()

	if s.Selected() != nil || len(s.Messages()) != 0 || len(s.Roster()) != 0 {
		t.Error("deselect left the conversation open")
	}
	if !listed(s, c) {
		t.Error("deselect removed the conversation from the list")
	}
	if _, err := s.SendText(ctx, "again"); !errors.Is(err, model.ErrNoSelection) {
		t.Errorf("got %v, want %v", err, model.ErrNoSelection)
	}

	// a message in a closed conversation is unread again
	msg, err := w.messages("u2").Send(ctx, c, w.id("u2"), "back")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := w.base.Read(ctx, store.Query{Table: store.TableMessages, Filters: []store.Filter{store.Eq("id", msg.ID)}})
	if err != nil || len(rows) != 1 {
		t.Fatalf("got %v (%v), want the message row", rows, err)
	}
	if err := s.applyMessage(ctx, store.ChangeEvent{Table: store.TableMessages, Type: store.EventInsert, New: rows[0]}); err != nil {
		t.Fatal(err)
	}
	if !s.IsUnread(c) {
		t.Error("got read, want a message to a closed conversation unread")
	}
}
