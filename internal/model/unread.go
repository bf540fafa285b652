package model

import "time"

// HasUnread reports whether a conversation has messages newer than the
// reader's watermark. A nil lastRead means nothing has been read yet.
func HasUnread(latest, lastRead *time.Time) bool {
	if latest == nil {
		return false
	}
	return lastRead == nil || latest.After(*lastRead)
}

// RecomputeUnread derives IsUnread from the view's timestamps
func (v *ConversationView) RecomputeUnread() {
	v.IsUnread = HasUnread(v.LatestMessageAt, v.LastReadAt)
}
