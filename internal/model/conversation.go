package model

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a chat room with a roster of participants
type Conversation struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Name      *string   `json:"name" gorm:"size:100"`
	CreatorID uuid.UUID `json:"creator_id" gorm:"type:uuid;not null"`
	// RosterKey is the sorted participant ids at creation time; it lets the
	// store pick a single winner when the same roster is created twice.
	RosterKey *string   `json:"roster_key,omitempty" gorm:"type:text;uniqueIndex"`
	CreatedAt time.Time `json:"created_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Role of a participant within one conversation
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleModerator, RoleMember:
		return r, nil
	}
	return "", ErrInvalidRole
}

// Privileged reports whether the role may administer participants
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleModerator
}

// Participant is one user's membership in a conversation
type Participant struct {
	ConversationID uuid.UUID `json:"conversation_id" gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey;index"`
	Role           Role      `json:"role" gorm:"type:varchar(20);not null;default:'member'"`
}

func (Participant) TableName() string { return "conversation_participants" }

// Visibility hides a conversation from one user's list. No row means visible.
type Visibility struct {
	UserID         uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `json:"conversation_id" gorm:"type:uuid;primaryKey"`
	IsVisible      bool      `json:"is_visible" gorm:"not null;default:true"`
}

func (Visibility) TableName() string { return "conversation_visibility" }

// ReadWatermark is the newest instant a user has seen in a conversation
type ReadWatermark struct {
	UserID         uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `json:"conversation_id" gorm:"type:uuid;primaryKey"`
	LastReadAt     time.Time `json:"last_read_at" gorm:"not null"`
}

func (ReadWatermark) TableName() string { return "conversation_reads" }

// ConversationView is a conversation as listed for one user
type ConversationView struct {
	Conversation
	ParticipantNames []string   `json:"participant_names"`
	IsVisible        bool       `json:"is_visible"`
	LastReadAt       *time.Time `json:"last_read_at"`
	LatestMessageAt  *time.Time `json:"latest_message_at"`
	IsUnread         bool       `json:"is_unread"`
	MyRole           Role       `json:"my_role"`
}

// ParticipantView is a roster entry with the participant's profile
type ParticipantView struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
}
