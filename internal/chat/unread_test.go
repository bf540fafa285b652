package chat

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
)

func TestUnreadObserve(t *testing.T) {
	t.Parallel()

	u := NewUnread()
	c := uuid.New()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if u.Is(c) {
		t.Fatal("an unknown conversation is not unread")
	}
	if !u.Observe(c, t0, false) {
		t.Error("the first message should be fresh")
	}
	if !u.Is(c) {
		t.Error("got read, want unread after a foreign message")
	}

	// replaying the same or an older message changes nothing
	if u.Observe(c, t0, false) || u.Observe(c, t0.Add(-time.Minute), false) {
		t.Error("a replayed message should not be fresh")
	}

	if !u.MarkRead(c, t0) {
		t.Error("the watermark should move")
	}
	if u.Is(c) {
		t.Error("got unread, want read")
	}
	if u.MarkRead(c, t0.Add(-time.Hour)) {
		t.Error("the watermark moved backwards")
	}

	// a message the reader has seen keeps the conversation read
	u.Observe(c, t0.Add(time.Second), true)
	if u.Is(c) {
		t.Error("got unread after an own message, want read")
	}
	if got := u.Latest(c); got == nil || !got.Equal(t0.Add(time.Second)) {
		t.Errorf("got latest %v, want %v", got, t0.Add(time.Second))
	}
}

func TestUnreadLoadMergesMonotonically(t *testing.T) {
	t.Parallel()

	u := NewUnread()
	c := uuid.New()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	u.Load([]model.ConversationView{{Conversation: model.Conversation{ID: c}, LatestMessageAt: &t1, LastReadAt: &t1}})
	// a stale fetch cannot make the conversation unread again
	u.Load([]model.ConversationView{{Conversation: model.Conversation{ID: c}, LatestMessageAt: &t1, LastReadAt: &t0}})
	if u.Is(c) {
		t.Error("got unread after a stale load, want read")
	}

	v := model.ConversationView{Conversation: model.Conversation{ID: c}}
	u.Apply(&v)
	if v.LastReadAt == nil || !v.LastReadAt.Equal(t1) || v.IsUnread {
		t.Errorf("got %+v, want watermark %v and read", v, t1)
	}

	if got := u.Snapshot(); len(got) != 1 || got[c] {
		t.Errorf("got %v, want one read conversation", got)
	}
	u.Forget(c)
	if got := u.Snapshot(); len(got) != 0 {
		t.Errorf("got %v after forget, want empty", got)
	}
}
