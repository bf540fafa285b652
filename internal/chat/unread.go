package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
)

type watermarks struct {
	latest   *time.Time
	lastRead *time.Time
}

// Unread tracks, per conversation, the newest message time and the reader's
// watermark. Both only ever move forward, so replayed or reordered events
// cannot flip a conversation back to unread. Not safe for concurrent use;
// the Session guards it with its mutex.
type Unread struct {
	convs map[uuid.UUID]*watermarks
}

func NewUnread() *Unread {
	return &Unread{convs: make(map[uuid.UUID]*watermarks)}
}

func (u *Unread) entry(id uuid.UUID) *watermarks {
	w, ok := u.convs[id]
	if !ok {
		w = &watermarks{}
		u.convs[id] = w
	}
	return w
}

func later(cur *time.Time, t time.Time) (*time.Time, bool) {
	if cur != nil && !t.After(*cur) {
		return cur, false
	}
	t = t.UTC()
	return &t, true
}

func laterPtr(cur, t *time.Time) (*time.Time, bool) {
	if t == nil {
		return cur, false
	}
	return later(cur, *t)
}

// Load merges the timestamps of freshly fetched views
func (u *Unread) Load(views []model.ConversationView) {
	for _, v := range views {
		w := u.entry(v.ID)
		w.latest, _ = laterPtr(w.latest, v.LatestMessageAt)
		w.lastRead, _ = laterPtr(w.lastRead, v.LastReadAt)
	}
}

// Forget drops a conversation the user no longer participates in
func (u *Unread) Forget(id uuid.UUID) {
	delete(u.convs, id)
}

// Observe records a message created at. A message the reader has already
// seen (their own, or one arriving in the open conversation) advances the
// watermark with it. Reports whether the message is newer than any known.
func (u *Unread) Observe(id uuid.UUID, at time.Time, seen bool) bool {
	w := u.entry(id)
	var moved bool
	w.latest, moved = later(w.latest, at)
	if seen {
		w.lastRead, _ = later(w.lastRead, at)
	}
	return moved
}

// MarkRead advances the watermark to at. Reports whether it moved.
func (u *Unread) MarkRead(id uuid.UUID, at time.Time) bool {
	w := u.entry(id)
	var moved bool
	w.lastRead, moved = later(w.lastRead, at)
	return moved
}

// Is reports whether the conversation has messages past the watermark
func (u *Unread) Is(id uuid.UUID) bool {
	w, ok := u.convs[id]
	return ok && model.HasUnread(w.latest, w.lastRead)
}

// Latest returns the newest known message time
func (u *Unread) Latest(id uuid.UUID) *time.Time {
	if w, ok := u.convs[id]; ok {
		return w.latest
	}
	return nil
}

// Apply copies the tracked timestamps onto v and recomputes its flag
func (u *Unread) Apply(v *model.ConversationView) {
	if w, ok := u.convs[v.ID]; ok {
		v.LatestMessageAt = w.latest
		v.LastReadAt = w.lastRead
	}
	v.RecomputeUnread()
}

// Snapshot returns the unread flag of every tracked conversation
func (u *Unread) Snapshot() map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(u.convs))
	for id, w := range u.convs {
		out[id] = model.HasUnread(w.latest, w.lastRead)
	}
	return out
}
